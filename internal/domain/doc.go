// Package domain holds the core types and collaborator interfaces shared
// across the transport, broker and persistence layers. It has no
// dependencies on other internal packages.
package domain
