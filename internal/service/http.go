package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationHandleMessage    = "/phashguard.v1.Moderation/HandleMessage"
	OperationMatch            = "/phashguard.v1.Moderation/Match"
	OperationAddBlacklist     = "/phashguard.v1.Admin/AddBlacklist"
	OperationListBlacklist    = "/phashguard.v1.Admin/ListBlacklist"
	OperationPersistBlacklist = "/phashguard.v1.Admin/PersistBlacklist"
	OperationGateStats        = "/phashguard.v1.Admin/GateStats"
	OperationListAudit        = "/phashguard.v1.Admin/ListAudit"
)

// RegisterModerationHTTPServer mounts the moderation routes.
func RegisterModerationHTTPServer(s *http.Server, srv *ModerationService) {
	r := s.Route("/")
	r.POST("/v1/events/message", bodyHandler(OperationHandleMessage, srv.HandleMessage))
	r.POST("/v1/match", bodyHandler(OperationMatch, srv.Match))
}

// RegisterAdminHTTPServer mounts the blacklist, gate and audit routes.
func RegisterAdminHTTPServer(s *http.Server, srv *AdminService) {
	r := s.Route("/")
	r.POST("/v1/blacklist", bodyHandler(OperationAddBlacklist, srv.AddBlacklist))
	r.GET("/v1/blacklist", queryHandler(OperationListBlacklist, srv.ListBlacklist))
	r.POST("/v1/blacklist/persist", bodyHandler(OperationPersistBlacklist, srv.PersistBlacklist))
	r.GET("/v1/gate", queryHandler(OperationGateStats, srv.GateStats))
	r.GET("/v1/audit", queryHandler(OperationListAudit, srv.ListAudit))
}

func bodyHandler[Req, Reply any](op string, call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return handler(op, call, func(ctx http.Context, in *Req) error { return ctx.Bind(in) })
}

func queryHandler[Req, Reply any](op string, call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return handler(op, call, func(ctx http.Context, in *Req) error { return ctx.BindQuery(in) })
}

// handler runs call through the server middleware chain.
func handler[Req, Reply any](op string, call func(context.Context, *Req) (*Reply, error), bind func(http.Context, *Req) error) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in Req
		if err := bind(ctx, &in); err != nil {
			return err
		}
		http.SetOperation(ctx, op)
		h := ctx.Middleware(func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*Req))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
