/*
Package cluster is Kiln's typed facade over the Kubernetes object API.

It exposes exactly the operations the orchestrator needs, scoped to one
namespace:

	┌─────────────────── CLUSTER CLIENT ───────────────────┐
	│                                                       │
	│   Pods:  Create / Delete(grace) / Get / List / Watch  │
	│   Jobs:  Create / Delete(bg propagation) / Get        │
	│                         │                             │
	│           ┌─────────────┴─────────────┐               │
	│           ▼                           ▼               │
	│   in-cluster credentials       kubeconfig file        │
	│   (service account, tried      (explicit path or      │
	│    first)                       $HOME/.kube/config)    │
	└───────────────────────────────────────────────────────┘

List and Watch take a label selector; the pool uses them to reconcile its
registry against what the cluster actually runs after a restart.

Errors from the API server are mapped onto the shared taxonomy: NotFound,
AlreadyExists, InvalidArgument, PermissionDenied, Unauthenticated, and
Unavailable for timeouts and transport failures. Deleting a missing pod or
job is a no-op, which makes teardown idempotent.

The Client is safe for concurrent use. Callers must not hold a lock across
its calls; every method is a suspension point.
*/
package cluster
