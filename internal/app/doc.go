// Package app is the use-case layer. It authorizes and accepts connections and
// publishes, runs fan-outs detached from the request that triggered them, and sweeps
// the rows of pools whose instance is gone. It depends on domain interfaces and the
// pool/fan-out packages, never on the HTTP or Redis adapters.
package app
