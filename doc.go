// Package guard protects the edge of a mobile backend-for-frontend: per-scope
// sliding-window rate limits, payment amount and velocity guardrails, caps on
// concurrently open websockets, and a security audit trail that can raise
// webhook alerts.
//
// All state is held in process memory. It is best-effort, resets on restart and
// is not shared between replicas.
//
// Basic usage:
//
//	cfg, err := guard.LoadConfigFromEnv(os.Getenv)
//	if err != nil {
//		log.Fatal(err)
//	}
//	g, err := guard.New(cfg, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer g.Shutdown(context.Background())
//
//	h := guard.NewHandler(g, logger)
//	mux.Handle("/maps/", h.Limit(func(r *http.Request) error {
//		return g.CheckMaps(r.Context(), g.ClientIP(r), isSignedIn(r))
//	})(mapsProxy))
//	mux.Handle("/ws/chat", h.WebSocket(h.ChatWebSocket, chatProxy))
//
// Every Check and Admit method returns nil or an *Error carrying the HTTP
// status, the websocket close code and a Retry-After hint. Internal faults in
// the bookkeeping never reject a request.
package guard
