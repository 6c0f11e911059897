// Package sandbox manages the per-tenant sandbox runtimes that pipelines run
// in.
//
// Every tenant owns exactly one long-lived container, named after the tenant
// ID and labelled with it. The Registry finds or creates that container on
// demand, and the Provisioner prepares one directory with its own Python
// virtual environment per pipeline inside it. All container work goes through
// the Engine interface so the registry can run against Docker in production
// and against an in-memory engine in tests.
package sandbox
