package dtx

// Package dtx provides distributed transaction execution in Go: saga
// orchestration over a DAG of steps, and Try-Confirm-Cancel (TCC)
// coordination over ordered participants.
//
// Overview
//
// 1. Define your steps as handlers:
//    - A handler is a plain function taking the arguments its bindings
//      resolve and returning a result and an error.
//    - Use `NewStep` to package a handler, its compensation, and its
//      retry, timeout and binding configuration into a step.
// 2. Build a saga:
//    - Use `NewSagaBuilder` to declare steps and their dependencies.
//    - `Build` validates the graph, rejects cycles, and precomputes
//      execution layers. Steps in the same layer run concurrently.
// 3. Or build a TCC transaction:
//    - Use `NewParticipant` and `NewTccBuilder` to declare ordered
//      participants with Try, Confirm and Cancel handlers.
// 4. Run it:
//    - Create an `Engine` with `NewEngine`, register definitions with
//      `RegisterSaga`/`RegisterTcc`, and call `ExecuteSaga`/`ExecuteTcc`.
//    - Use `WithStore` for persistent state (see the pqstore and
//      redisstore packages) and `NewRecovery` to sweep stale runs.
//
// For runnable demonstrations, refer to the `examples` directory.
