/*
Package api exposes ledgerwatch's operational endpoints.

HealthServer serves JSON liveness (/live), health (/health) and readiness
(/ready) from the component registry in package metrics, and Prometheus
metrics at /metrics.

GRPCServer registers the standard grpc.health.v1 service and server
reflection. Its serving status mirrors readiness: SyncReadiness copies it
once and WatchReadiness keeps it current, so orchestrators can probe either
protocol and get the same answer. Both the server-wide "" service and
ServiceName are reported. Every call goes through LoggingInterceptor.

Reconciliation itself has no network API; operators drive it through the
ledgerwatch CLI.
*/
package api
