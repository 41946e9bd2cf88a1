package config

// Lua schema field names and globals
const (
	luaGlobalKeg   = "keg"
	luaFieldPrefix = "prefix"
	luaFieldState  = "state_dir"
	luaFieldCache  = "cache_dir"
	luaFieldJobs   = "jobs"
	luaFieldTime   = "timeout"
	luaFieldUnsafe = "insecure"
	luaFieldFetch  = "fetch"
	luaFieldRetry  = "retries"
	luaFieldAgent  = "user_agent"
)

// Environment variables that override config file values
const (
	EnvConfigDir = "KEG_CONFIG_DIR"
	EnvPrefix    = "KEG_PREFIX"
	EnvStateDir  = "KEG_STATE_DIR"
	EnvCacheDir  = "KEG_CACHE_DIR"
)

// ConfigFileName is the config file looked up in the config directory
const ConfigFileName = "keg.lua"
