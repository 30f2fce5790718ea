// Package grpctwin implements twin.Client on top of the twin-hub gRPC API.
package grpctwin
