// Package config owns the Session Configuration consumed by the orchestrator.
//
// Ownership boundary:
// - defaults matching the reference client
// - command-line grammar (-a -u -p -g -t -z -x -plugin, positional server)
// - TOML session profiles (load with overlay, write templates)
//
// A Settings value is immutable once ParseArgs returns it; collaborators
// receive copies.
package config
