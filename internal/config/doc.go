// Package config loads keg's settings from a sandboxed Lua file.
//
// A keg.lua file assigns a global table:
//
//	keg = {
//	  prefix    = platform.is_macos and "/opt/keg" or "~/.local/keg",
//	  state_dir = "~/.local/state/keg",
//	  jobs      = 4,
//	  timeout   = "30m",
//	  fetch = {
//	    retries    = 3,
//	    user_agent = "keg/1.0",
//	    timeout    = 300,
//	  },
//	}
//
// Every field is optional; missing fields keep their defaults. Durations are
// seconds when numeric, or Go duration strings. The platform table from
// package platform is available read-only.
//
// # Security Model
//
// Config code runs in a gopher-lua VM with os, io, require, dofile, loadfile,
// load, loadstring and debug removed, so a config file can compute values
// but cannot touch the filesystem or run commands.
//
// # Precedence
//
// Defaults, then the file, then KEG_PREFIX, KEG_STATE_DIR and KEG_CACHE_DIR.
package config
