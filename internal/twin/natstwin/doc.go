// Package natstwin implements twin.Client on NATS.
//
// Desired and reported documents live in a JetStream key-value bucket under
// "<device>.desired" and "<device>.reported"; signals arrive on the core
// subject "twin.<device>.signals", with message headers as properties.
package natstwin
