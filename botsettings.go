package launcher

import (
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// Keys the bot reads from its environment. The launcher only reports on
// them; it never fills in defaults.
const (
	BotServerKey     = "MC_SERVER"
	BotPortKey       = "MC_PORT"
	BotEmailKey      = "MS_EMAIL"
	BotNameKey       = "BOT_NAME"
	BotGeminiKeyKey  = "GEMINI_API_KEY"
	BotModelFlashKey = "MODEL_FLASH"
	BotModelProKey   = "MODEL_PRO"
)

var secretKeyMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

// isSecretKey reports whether a variable name looks like it holds secret
// material.
func isSecretKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func redact(key, value string) string {
	if value == "" || !isSecretKey(key) {
		return value
	}
	return "<redacted>"
}

// describeBot logs the settings the bot is about to start with, taken from
// lookup, and returns warnings for values the bot is likely to reject.
func describeBot(lookup func(string) (string, bool)) []string {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	var warnings []string
	server, port := get(BotServerKey), get(BotPortKey)
	if port != "" {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			warnings = append(warnings, BotPortKey+" is not a valid port number")
		}
	}
	if get(BotGeminiKeyKey) == "" {
		warnings = append(warnings, BotGeminiKeyKey+" is not set; AI features will not work")
	}

	authMode := "offline"
	if get(BotEmailKey) != "" {
		authMode = "microsoft"
	}

	target := server
	if server != "" && port != "" {
		target = net.JoinHostPort(server, port)
	}
	slog.Info("bot settings",
		"target", target,
		"name", get(BotNameKey),
		"auth", authMode,
		"geminiKey", redact(BotGeminiKeyKey, get(BotGeminiKeyKey)),
		"modelFlash", get(BotModelFlashKey),
		"modelPro", get(BotModelProKey),
	)
	for _, w := range warnings {
		slog.Warn(w)
	}
	return warnings
}

// logLoadedEnv logs which keys came from the env file, masking secret values.
func logLoadedEnv(f EnvFile, written []string) {
	attrs := make([]any, 0, len(f.Vars))
	for _, v := range f.Vars {
		attrs = append(attrs, slog.String(v.Key, redact(v.Key, v.Value)))
	}
	slog.Debug("env file contents", attrs...)
	slog.Info("loaded env file", "path", f.Path, "vars", len(f.Vars), "exported", len(written))
}
