package api

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	// API v1 group
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleGetStatus)
		v1.GET("/best", s.handleGetBest)
		v1.POST("/stop", s.handleStop)
		v1.GET("/rules", s.handleGetRules)
		if s.stream != nil {
			v1.GET("/stream", s.stream.ServeWS)
		}
	}
}
