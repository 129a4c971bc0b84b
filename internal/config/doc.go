// Package config resolves goclip's runtime configuration.
//
// # Sources
//
// Settings are layered in increasing precedence:
//   - built-in defaults (Default)
//   - an optional Lua file, GOCLIP_CONFIG or ./goclip.lua
//   - GOCLIP_* environment variables
//
// The result is a Config value passed to each component at construction.
// Nothing in goclip reads configuration from globals.
//
// # Lua files
//
// The Lua file sets fields of a global goclip table:
//
//	goclip = {
//	  cache_dir = "/var/cache/goclip",
//	  timeout = "45s",
//	  retries = 5,
//	  mirrors = { "https://mirror-a.example.com", "https://mirror-b.example.com" },
//	  download_context = platform.when(platform.distro ~= nil and platform.distro.id == "ubuntu", "cn"),
//	  launch_mode = platform.is_windows and "child" or "exec",
//	}
//
// Setting download_context = "auto" picks the context from the caller's
// country. country_endpoints overrides the geolocation URLs and
// country_contexts maps ISO codes to context names:
//
//	goclip = {
//	  download_context = "auto",
//	  country_contexts = { CN = "cn", DE = "eu" },
//	}
//
// Unknown keys are rejected so typos surface instead of being ignored.
// Durations accept Go duration strings or numbers of seconds.
//
// # Sandboxing
//
// Lua code runs in a gopher-lua VM without os, io, debug or any code
// loading functions. A read-only platform table (see package platform) is
// available for host-specific choices. Files larger than MaxConfigSize are
// refused and execution stops when the context passed to the parser is done.
package config
