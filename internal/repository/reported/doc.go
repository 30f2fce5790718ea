// Package reported implements persistence for the reported state of devices.
//
// The FileRepository stores one protojson document per device and exposes a
// Repository interface that the hub service depends on.
package reported
