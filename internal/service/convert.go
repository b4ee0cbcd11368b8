package service

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/infobar"
	"ipp-daemon/internal/proxy"
)

// ─── Status ─────────────────────────────────────────────────────────

func usageToMap(u *core.Usage) map[string]any {
	if u == nil {
		return nil
	}
	return map[string]any{
		"max":          strconv.FormatInt(u.Max, 10),
		"remaining":    strconv.FormatInt(u.Remaining, 10),
		"reset":        u.Reset.UTC().Format(time.RFC3339),
		"remaining_gb": infobar.RemainingGB(u),
	}
}

func proxyStatusToMap(st proxy.Status) map[string]any {
	m := map[string]any{
		"state":        st.State.String(),
		"country":      st.Country,
		"city":         st.City,
		"server":       st.Server,
		"user_enabled": st.UserEnabled,
		"last_error":   st.LastError,
	}
	if st.Filter != nil {
		m["channel_filter"] = map[string]any{
			"isolation_key": st.Filter.IsolationKey,
			"created_at":    st.Filter.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	if !st.ActivatedAt.IsZero() {
		m["activated_at"] = st.ActivatedAt.UTC().Format(time.RFC3339)
	}
	if u := usageToMap(st.Usage); u != nil {
		m["usage"] = u
	}
	return m
}

func notificationsToList(ns []infobar.Notification) []any {
	out := make([]any, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.ID)
	}
	return out
}

func stringsToList(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// ─── Requests ───────────────────────────────────────────────────────

// usageFromStruct parses {max, remaining, reset}. Byte counts may be
// decimal strings or numbers; reset is RFC 3339.
func usageFromStruct(s *structpb.Struct) (core.Usage, error) {
	fields := s.GetFields()
	maxBytes, err := int64Field(fields, "max")
	if err != nil {
		return core.Usage{}, err
	}
	remaining, err := int64Field(fields, "remaining")
	if err != nil {
		return core.Usage{}, err
	}
	var reset time.Time
	if v := fields["reset"].GetStringValue(); v != "" {
		reset, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return core.Usage{}, fmt.Errorf("reset: %w", err)
		}
	}
	return core.Usage{Max: maxBytes, Remaining: remaining, Reset: reset}, nil
}

func int64Field(fields map[string]*structpb.Value, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%s: missing", name)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue), nil
	default:
		return 0, fmt.Errorf("%s: want string or number", name)
	}
}

// accountFromStruct parses {signed_in, eligible, vpn_addon} plus an
// optional entitlement. hasEntitlement is false when the key is absent;
// a null entitlement clears the cached one.
func accountFromStruct(s *structpb.Struct) (a Account, ent *core.Entitlement, hasEntitlement bool, err error) {
	fields := s.GetFields()
	a = Account{
		SignedIn:         fields["signed_in"].GetBoolValue(),
		Eligible:         fields["eligible"].GetBoolValue(),
		VPNAddonDetected: fields["vpn_addon"].GetBoolValue(),
	}

	v, ok := fields["entitlement"]
	if !ok {
		return a, nil, false, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return a, nil, true, nil
	}
	if v.GetStructValue() == nil {
		return a, nil, false, fmt.Errorf("entitlement: want object or null")
	}
	data, err := json.Marshal(v.GetStructValue().AsMap())
	if err != nil {
		return a, nil, false, fmt.Errorf("entitlement: %w", err)
	}
	ent = &core.Entitlement{}
	if err := json.Unmarshal(data, ent); err != nil {
		return a, nil, false, fmt.Errorf("entitlement: %w", err)
	}
	return a, ent, true, nil
}
