// Package display is a headless display and input subsystem. It keeps a
// framebuffer surface updated from engine bitmap updates and turns bytes
// read from an input descriptor (stdin by default) into key events.
package display
