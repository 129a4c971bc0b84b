package config

import "net/url"

// RedactURL hides userinfo passwords in u so mirror credentials never reach
// logs. Strings that do not parse are returned unchanged.
func RedactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.User == nil {
		return u
	}
	return parsed.Redacted()
}

// LogFields returns key/value pairs describing c for a debug log line.
func (c *Config) LogFields() []interface{} {
	mirrors := make([]string, len(c.Mirrors))
	for i, m := range c.Mirrors {
		mirrors[i] = RedactURL(m)
	}
	return []interface{}{
		"cache_dir", c.CacheDir,
		"timeout", c.Timeout,
		"retries", c.Retries,
		"chunks", c.Chunks,
		"mirrors", mirrors,
		"download_context", c.DownloadContext,
		"launch_mode", string(c.LaunchMode),
		"patch_only", c.PatchOnly,
	}
}
