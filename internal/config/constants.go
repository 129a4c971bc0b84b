package config

// Lua schema field names and globals.
const (
	luaGlobal            = "goclip"
	luaFieldCacheDir     = "cache_dir"
	luaFieldBundleDir    = "bundle_dir"
	luaFieldTimeout      = "timeout"
	luaFieldRetries      = "retries"
	luaFieldBackoff      = "backoff"
	luaFieldMaxBackoff   = "max_backoff"
	luaFieldChunks       = "chunks"
	luaFieldMinChunkSize = "min_chunk_size"
	luaFieldMirrors      = "mirrors"
	luaFieldContext      = "download_context"
	luaFieldCountryURLs  = "country_endpoints"
	luaFieldCountryCtx   = "country_contexts"
	luaFieldLaunchMode   = "launch_mode"
	luaFieldEntryPoint   = "entry_point"
	luaFieldPatchOnly    = "patch_only"
	luaFieldLogLevel     = "log_level"
)

// Environment variables.
const (
	EnvConfig          = "GOCLIP_CONFIG"
	EnvCacheDir        = "GOCLIP_CACHE_DIR"
	EnvBundleDir       = "GOCLIP_BUNDLE_DIR"
	EnvTimeout         = "GOCLIP_TIMEOUT"
	EnvRetries         = "GOCLIP_RETRIES"
	EnvBackoff         = "GOCLIP_BACKOFF"
	EnvMaxBackoff      = "GOCLIP_MAX_BACKOFF"
	EnvChunks          = "GOCLIP_CHUNKS"
	EnvMirrors         = "GOCLIP_MIRRORS"
	EnvDownloadContext = "GOCLIP_DOWNLOAD_CONTEXT"
	EnvLaunchMode      = "GOCLIP_LAUNCH_MODE"
	EnvEntryPoint      = "GOCLIP_ENTRY_POINT"
	EnvPatchOnly       = "GOCLIP_PATCH_ONLY"
	EnvLogLevel        = "GOCLIP_LOG_LEVEL"
)

// AutoDownloadContext selects the download context from the caller's
// country, looked up over HTTP.
const AutoDownloadContext = "auto"

// DefaultConfigFile is looked up in the working directory when GOCLIP_CONFIG
// is unset.
const DefaultConfigFile = "goclip.lua"

// MaxConfigSize bounds the Lua file read by the parser.
const MaxConfigSize = 1 << 20
