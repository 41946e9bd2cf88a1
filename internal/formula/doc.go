// Package formula defines the resolved formula record consumed by the
// installer: package name, version, download URL, expected digest and the
// install map from archive paths to prefix paths.
//
// Records arrive already resolved. The only templating here is the pure
// ResolveURL function, evaluated once when a Template is turned into a
// Record:
//
//	tmpl := formula.Template{
//	    Name:    "indentex",
//	    Version: "0.4.0",
//	    URL:     "https://github.com/mp4096/indentex/releases/download/{{version}}/indentex_{{version}}_x86_64-apple-darwin.tar.gz",
//	    Digest:  formula.MustParseDigest("sha256:..."),
//	}
//	rec, err := tmpl.Resolve(platformInfo.TemplateVars())
//
// # Digests
//
// Digests are written "algo:hex" (sha256, sha512, blake3); a bare hex value
// is sha256. Placeholder values such as "TODO" parse so that a record can be
// loaded and reported on, but IsPlaceholder returns true and the installer
// refuses to treat them as verified.
package formula
