// Package session holds the registry of active quiz sessions and the storage
// collaborator contract for quiz definitions and final results.
package session
