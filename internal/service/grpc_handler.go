package service

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ipp-daemon/internal/autorestore"
	"ipp-daemon/internal/autostart"
	"ipp-daemon/internal/core"
	"ipp-daemon/internal/exceptions"
	"ipp-daemon/internal/infobar"
	"ipp-daemon/internal/ipc"
	"ipp-daemon/internal/metrics"
	"ipp-daemon/internal/onboarding"
	"ipp-daemon/internal/proxy"
	"ipp-daemon/internal/serverlist"
	"ipp-daemon/internal/startupcache"
)

// Ensure ControlHandler implements ipc.ControlServer.
var _ ipc.ControlServer = (*ControlHandler)(nil)

// Config holds the dependencies of the control handler.
type Config struct {
	Service     *Service
	Cache       *startupcache.Cache
	Proxy       *proxy.Manager
	List        serverlist.List
	Signals     *core.Signals
	Exceptions  *exceptions.Manager
	Onboarding  *onboarding.Helper
	AutoStart   *autostart.AutoStart
	AutoRestore *autorestore.AutoRestore
	Windows     *infobar.WindowTracker
	Alerts      *infobar.AlertManager
	Metrics     *metrics.Metrics
	Version     string
}

// ControlHandler serves the control API on top of the daemon components.
type ControlHandler struct {
	cfg       Config
	startTime time.Time
}

// NewControlHandler creates the handler.
func NewControlHandler(c Config) *ControlHandler {
	return &ControlHandler{cfg: c, startTime: time.Now()}
}

// ─── Status ─────────────────────────────────────────────────────────

func (h *ControlHandler) status() (*structpb.Struct, error) {
	m := map[string]any{
		"version":           h.cfg.Version,
		"uptime_seconds":    int64(time.Since(h.startTime).Seconds()),
		"state":             h.cfg.Service.State().String(),
		"startup_completed": h.cfg.Cache.IsStartupCompleted(),
		"proxy":             proxyStatusToMap(h.cfg.Proxy.Status()),
		"has_list":          h.cfg.List.HasList(),
	}
	if h.cfg.Onboarding != nil {
		m["onboarding_mask"] = int(h.cfg.Onboarding.Mask())
	}
	if h.cfg.Exceptions != nil {
		m["exclusions"] = stringsToList(h.cfg.Exceptions.List())
	}
	if h.cfg.AutoStart != nil {
		m["autostart_armed"] = h.cfg.AutoStart.Armed()
	}
	if h.cfg.AutoRestore != nil {
		m["will_restore"] = h.cfg.AutoRestore.WillRestore()
	}
	if h.cfg.Windows != nil {
		if w := h.cfg.Windows.MostRecent(); w != nil {
			m["notifications"] = notificationsToList(w.Box.List())
		}
	}
	if h.cfg.Alerts != nil {
		if id := h.cfg.Alerts.Open(); id != "" {
			m["alert"] = id
		}
	}

	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return st, nil
}

func (h *ControlHandler) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return h.status()
}

// ─── Proxy ──────────────────────────────────────────────────────────

func (h *ControlHandler) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := h.cfg.Proxy.Start(ctx, true); err != nil {
		return nil, proxyError(err)
	}
	h.cfg.Metrics.ProxyStarted("user")
	return h.status()
}

func (h *ControlHandler) Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	h.cfg.Proxy.Stop(true)
	return h.status()
}

func (h *ControlHandler) ReportUsage(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	u, err := usageFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "usage: %v", err)
	}
	h.cfg.Proxy.SetUsage(u)
	return &emptypb.Empty{}, nil
}

// ReportError tells the daemon that the established connection failed.
func (h *ControlHandler) ReportError(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	msg := req.GetValue()
	if msg == "" {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	if !h.cfg.Proxy.ReportError(errors.New(msg)) {
		return nil, status.Error(codes.FailedPrecondition, "no established connection")
	}
	return &emptypb.Empty{}, nil
}

func proxyError(err error) error {
	switch {
	case errors.Is(err, proxy.ErrNotReady):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, proxy.ErrNoServer):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, proxy.ErrAborted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func (h *ControlHandler) FireSignal(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	sig := h.cfg.Signals.ByName(req.GetValue())
	if sig == nil {
		return nil, status.Errorf(codes.InvalidArgument, "unknown signal %q", req.GetValue())
	}
	return wrapperspb.Bool(sig.Fire()), nil
}

func (h *ControlHandler) SetAccount(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	account, ent, hasEntitlement, err := accountFromStruct(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "account: %v", err)
	}
	if hasEntitlement {
		if err := h.cfg.Cache.StoreEntitlement(ent); err != nil {
			return nil, status.Errorf(codes.Internal, "store entitlement: %v", err)
		}
	}
	h.cfg.Service.SetAccount(account)
	return h.status()
}

// ─── Site exceptions and notifications ──────────────────────────────

func (h *ControlHandler) SetExclusion(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	origin := fields["origin"].GetStringValue()
	if origin == "" {
		return nil, status.Error(codes.InvalidArgument, "origin is required")
	}
	if err := h.cfg.Exceptions.SetExclusion(origin, fields["exclude"].GetBoolValue()); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return &emptypb.Empty{}, nil
}

// DismissNotification removes a notification from the most recent window.
// Dismissing an alert continues without the proxy.
func (h *ControlHandler) DismissNotification(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if h.cfg.Alerts != nil && infobar.IsAlert(req.GetValue()) {
		return wrapperspb.Bool(h.cfg.Alerts.ContinueWithoutVPN()), nil
	}
	w := h.cfg.Windows.MostRecent()
	if w == nil {
		return wrapperspb.Bool(false), nil
	}
	return wrapperspb.Bool(w.Box.Remove(req.GetValue())), nil
}

// ─── Server list ────────────────────────────────────────────────────

func (h *ControlHandler) SyncServerList(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	var err error
	if remote, ok := h.cfg.List.(*serverlist.RemoteList); ok {
		err = remote.Sync(ctx)
	} else {
		err = h.cfg.List.MaybeFetchList(ctx, true)
	}
	switch {
	case errors.Is(err, serverlist.ErrThrottled):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case err != nil:
		return nil, status.Errorf(codes.Unavailable, "sync server list: %v", err)
	}
	return &emptypb.Empty{}, nil
}
