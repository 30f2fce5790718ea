// Package supervisor runs the daemons listed in the desired state, forwards
// their output to the logger and turns any daemon exit into an agent restart.
package supervisor
