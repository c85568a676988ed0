package providers

// builtinCatalog lists the providers supported out of the box. Client
// credentials are resolved from the environment at registration time.
func builtinCatalog() []Provider {
	return []Provider{
		{
			ID:                    "spotify",
			AuthorizationEndpoint: "https://accounts.spotify.com/authorize",
			TokenEndpoint:         "https://accounts.spotify.com/api/token",
			Scopes:                []string{"user-read-recently-played", "user-top-read", "user-library-read"},
			TokenType:             "bearer",
			Refreshable:           true,
			AuthStyle:             AuthStyleHeader,
			RateLimit:             RateLimit{Count: 100, WindowSeconds: 60},
		},
		{
			ID:                    "google-youtube",
			AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenEndpoint:         "https://oauth2.googleapis.com/token",
			Issuer:                "https://accounts.google.com",
			Scopes:                []string{"https://www.googleapis.com/auth/youtube.readonly"},
			TokenType:             "bearer",
			Refreshable:           true,
			AuthStyle:             AuthStyleBody,
			RateLimit:             RateLimit{Count: 60, WindowSeconds: 60},
		},
		{
			// GitHub OAuth app tokens do not expire and cannot be refreshed.
			ID:                    "github",
			AuthorizationEndpoint: "https://github.com/login/oauth/authorize",
			TokenEndpoint:         "https://github.com/login/oauth/access_token",
			Scopes:                []string{"read:user", "repo"},
			TokenType:             "bearer",
			Refreshable:           false,
			AuthStyle:             AuthStyleBody,
			RateLimit:             RateLimit{Count: 30, WindowSeconds: 60},
		},
		{
			ID:                    "discord",
			AuthorizationEndpoint: "https://discord.com/oauth2/authorize",
			TokenEndpoint:         "https://discord.com/api/oauth2/token",
			Scopes:                []string{"identify", "guilds"},
			TokenType:             "bearer",
			Refreshable:           true,
			AuthStyle:             AuthStyleBody,
			RateLimit:             RateLimit{Count: 50, WindowSeconds: 60},
		},
		{
			ID:                    "twitch",
			AuthorizationEndpoint: "https://id.twitch.tv/oauth2/authorize",
			TokenEndpoint:         "https://id.twitch.tv/oauth2/token",
			Scopes:                []string{"user:read:follows"},
			TokenType:             "bearer",
			Refreshable:           true,
			AuthStyle:             AuthStyleBody,
			RateLimit:             RateLimit{Count: 120, WindowSeconds: 60},
		},
		{
			// Slack allows one registered redirect URI per application.
			ID:                    "slack",
			AuthorizationEndpoint: "https://slack.com/oauth/v2/authorize",
			TokenEndpoint:         "https://slack.com/api/oauth.v2.access",
			Scopes:                []string{"channels:history", "users:read"},
			TokenType:             "bearer",
			Refreshable:           false,
			AuthStyle:             AuthStyleBody,
			SingleRedirectURI:     true,
			RateLimit:             RateLimit{Count: 20, WindowSeconds: 60},
		},
	}
}
