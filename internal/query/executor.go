package query

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/loradb/loradb/internal/errs"
	"github.com/loradb/loradb/internal/frame"
	"github.com/loradb/loradb/internal/logging"
)

var log = logging.For("query")
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Engine is the subset of the storage engine's contract the executor needs,
// kept narrow so this package does not import internal/engine directly.
type Engine interface {
	Query(device string, startMicros, endMicros int64) ([]frame.Frame, error)
}

const resultCap = 10_000

// Execute resolves q's filter to an absolute time range, calls eng.Query,
// applies the result cap and kind filter, and projects each frame to a JSON
// value (spec.md §4.10). now is the instant "LAST d" and unbounded ranges
// are computed against; callers pass time.Now().UTC().
func Execute(eng Engine, q *Query, now time.Time) ([]map[string]any, error) {
	correlationID := uuid.NewString()

	if err := frame.ValidateDeviceID(q.Device); err != nil {
		return nil, err
	}

	if q.Filter == nil {
		return nil, errs.New(errs.InvalidInput, "query: time filter required")
	}

	start, end, err := resolveFilter(q.Filter, now)
	if err != nil {
		return nil, err
	}

	frames, err := eng.Query(q.Device, start, end)
	if err != nil {
		return nil, errs.Wrap(errs.QueryExecution, "query: engine scan failed", err)
	}

	limit := resultCap
	if q.Limit != nil && *q.Limit < limit {
		limit = *q.Limit
	}
	if len(frames) > limit {
		log.Warn().Str("correlation_id", correlationID).Str("device", q.Device).Int("matched", len(frames)).Int("returned", limit).Msg("query: result truncated")
		frames = frames[:limit]
	}

	frames = filterByKind(frames, q.Select)

	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		obj, err := projectFrame(f, q.Select)
		if err != nil {
			return nil, errs.Wrap(errs.QueryExecution, "query: project frame", err)
		}
		out = append(out, obj)
	}
	return out, nil
}

func filterByKind(frames []frame.Frame, sel Select) []frame.Frame {
	if sel.All || len(sel.Kinds) == 0 {
		return frames
	}
	wanted := make(map[frame.Kind]struct{}, len(sel.Kinds))
	for _, k := range sel.Kinds {
		wanted[k] = struct{}{}
	}
	out := frames[:0:0]
	for _, f := range frames {
		if _, ok := wanted[f.Kind]; ok {
			out = append(out, f)
		}
	}
	return out
}

// resolveFilter turns a parsed Filter into an absolute (start, end)
// microsecond pair. A side the clause leaves unbounded is returned as
// math.MaxInt64 (the open end) — BETWEEN sets both, SINCE sets only start,
// LAST computes start from now.
func resolveFilter(f *Filter, now time.Time) (int64, int64, error) {
	const noBound = int64(math.MaxInt64)

	switch f.Kind {
	case FilterBetween:
		start, err := parseRFC3339(f.Start)
		if err != nil {
			return 0, 0, err
		}
		end, err := parseRFC3339(f.End)
		if err != nil {
			return 0, 0, err
		}
		return start.UnixMicro(), end.UnixMicro(), nil

	case FilterSince:
		start, err := parseRFC3339(f.Start)
		if err != nil {
			return 0, 0, err
		}
		return start.UnixMicro(), noBound, nil

	case FilterLast:
		d, err := parseDuration(f.Duration)
		if err != nil {
			return 0, 0, err
		}
		return now.Add(-d).UnixMicro(), noBound, nil
	}

	return 0, 0, errs.New(errs.InvalidInput, "query: unknown filter kind")
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.InvalidInput, "query: invalid RFC3339 timestamp '"+s+"'", err)
	}
	return t, nil
}

// parseDuration parses an integer followed by a unit: ms, s, m, h, d, w
// (spec.md §4.10 — not Go's built-in duration syntax, since "d"/"w" aren't
// accepted by time.ParseDuration).
func parseDuration(s string) (time.Duration, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, errs.New(errs.InvalidInput, "query: invalid duration '"+s+"'")
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, errs.Wrap(errs.InvalidInput, "query: invalid duration '"+s+"'", err)
	}
	unit := s[i:]
	switch unit {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, errs.New(errs.InvalidInput, "query: unknown duration unit '"+unit+"'")
}

// projectFrame serializes f to a flat JSON object carrying a frame_type
// discriminant, unwraps any legacy double-encoded decoded_payload.object
// string, and applies field projection if requested (spec.md §4.10).
func projectFrame(f frame.Frame, sel Select) (map[string]any, error) {
	raw, err := jsonAPI.Marshal(frameToJSON(f))
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := jsonAPI.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	if dp, ok := obj["decoded_payload"].(map[string]any); ok {
		if s, ok := dp["object"].(string); ok {
			var parsed any
			if err := jsonAPI.UnmarshalFromString(s, &parsed); err == nil {
				dp["object"] = parsed
			}
		}
	}

	if len(sel.Fields) == 0 {
		return obj, nil
	}

	projected := make(map[string]any, len(sel.Fields))
	for _, path := range sel.Fields {
		if !strings.Contains(path, ".") {
			if v, ok := obj[path]; ok {
				projected[path] = v
			}
			continue
		}
		v, ok := walkDotted(obj, strings.Split(path, "."))
		if ok {
			projected[path] = v
		}
	}
	return projected, nil
}

func walkDotted(obj map[string]any, parts []string) (any, bool) {
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// frameToJSON renders f's JSON shape: a flat object with a frame_type
// discriminant, matching the "unwrap the single-variant outer wrapping"
// requirement of spec.md §4.10.
func frameToJSON(f frame.Frame) map[string]any {
	m := map[string]any{
		"frame_type": f.Kind.String(),
		"device_id":  f.DeviceID,
		"timestamp":  f.Timestamp.Format(time.RFC3339Nano),
	}

	if f.Kind == frame.KindUplink || f.Kind == frame.KindDownlink {
		m["application_id"] = f.ApplicationID
		if f.DeviceName != nil {
			m["device_name"] = *f.DeviceName
		}
		m["frame_counter"] = f.FrameCounter
		m["port"] = f.Port
		m["confirmed"] = f.Confirmed
		m["adr"] = f.ADR
		m["data_rate"] = map[string]any{
			"modulation":       f.DataRate.Modulation,
			"bandwidth_khz":    f.DataRate.BandwidthKHz,
			"spreading_factor": f.DataRate.SpreadingFactor,
		}
		m["frequency_hz"] = f.FrequencyHz
		if f.RawPayload != nil {
			m["raw_payload"] = *f.RawPayload
		}
	}

	if f.Kind == frame.KindUplink {
		gw := make([]map[string]any, 0, len(f.GatewayRx))
		for _, g := range f.GatewayRx {
			entry := map[string]any{
				"gateway_id": g.GatewayID,
				"rssi":       g.RSSI,
				"snr":        g.SNR,
				"channel":    g.Channel,
				"rf_chain":   g.RFChain,
			}
			if g.Location != nil {
				entry["location"] = map[string]any{
					"latitude":  g.Location.Latitude,
					"longitude": g.Location.Longitude,
					"altitude":  g.Location.Altitude,
				}
			}
			gw = append(gw, entry)
		}
		m["gateway_rx"] = gw
		if f.DecodedPayload != nil {
			m["decoded_payload"] = map[string]any{"object": f.DecodedPayload.Object}
		}
	}

	if f.Kind == frame.KindStatus {
		if f.BatteryLevel != nil {
			m["battery_level"] = *f.BatteryLevel
		}
		if f.Margin != nil {
			m["margin"] = *f.Margin
		}
	}

	return m
}
