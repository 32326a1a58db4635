//go:build swagger

package main

// Built with -tags swagger after go generate, so /swagger serves the spec.
import _ "github.com/kirinyoku/tixmint/docs"
