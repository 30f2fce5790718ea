// Package packager describes local artifacts as a checkout manifest.
//
// Each file gets an entry with its filename, destination location, download
// URL and SHA-256 digest. The resulting YAML is merged into the desired state
// of the devices that should receive the files.
package packager
