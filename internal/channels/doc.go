// Package channels hosts virtual channel plugins.
//
// The registry is process-wide: Init must run before settings are parsed so
// plugin names can be checked, and Deinit runs after the session ends and
// releases every Manager created in between. A Manager is the per-session
// collaborator: it loads the configured plugins before connect, binds their
// channel ids after connect, routes inbound data to them and flushes what
// they queue through the engine.
package channels
