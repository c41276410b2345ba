// Package crawler defines the request, response, and item types plus the
// collaborator interfaces shared by the scheduler, middleware chains, and
// workers.
package crawler
