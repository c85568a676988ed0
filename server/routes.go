package server

func (s *Server) initRoutes() {
	// Connection lifecycle (require a bearer token from the outer system)
	s.RegisterRouteHandler("POST "+RouteConnect, ChainMiddleware(s.ConnectHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("GET "+RouteConnections, ChainMiddleware(s.ConnectionsHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteHandler("DELETE "+RouteDisconnect, ChainMiddleware(s.DisconnectHandler(), s.APIMiddleware(s.RequireAuth())...))

	// The provider redirects the browser here; authentication is carried
	// by the single-use state parameter, not a bearer token.
	s.RegisterRouteHandler("GET "+RouteCallback, ChainMiddleware(s.CallbackHandler(), s.APIMiddleware()...))

	// Monitor surfaces
	s.RegisterRouteHandler("POST "+RouteWebhook, ChainMiddleware(s.WebhookHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteStream, ChainMiddleware(s.StreamHandler(), s.APIMiddleware(s.RequireAuth())...))

	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())
}
