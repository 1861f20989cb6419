// Package server provides the HTTP surface: the WebSocket entry point,
// cookie-session authentication, health and metrics endpoints, and
// connection limiting.
package server
