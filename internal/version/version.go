// Package version carries the scanner's build identity.
package version

// Scanner is the release version stamped into run_meta.json and the report.
const Scanner = "0.1.1"
