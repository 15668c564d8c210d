// Package providers holds identity and payment provider implementations. The devkit
// subpackage ships in-memory versions for local development and tests.
package providers
