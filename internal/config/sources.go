package config

import (
	_ "github.com/SecureMessaging/euara-bs/internal/release/githubsource"
	_ "github.com/SecureMessaging/euara-bs/internal/release/httpsource"
)
