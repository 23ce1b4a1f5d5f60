// Package fx provides push-based streams of values running on a small
// structured-concurrency substrate.
//
// An [Fx] is a lazy producer: nothing happens until [Fx.Run] is called
// with a [Sink]. Run blocks until the producer completes, delivering
// values to [Sink.OnSuccess] and at most one failure to [Sink.OnFailure].
// Cancelling the context interrupts the producer:
//
//	stream := fx.Map(fx.FromSlice([]int{1, 2, 3}), strconv.Itoa)
//	got, err := fx.Collect(ctx, stream) // ["1" "2" "3"]
//
// # Failures
//
// Failures are described by [*Cause], which distinguishes typed failures
// ([NewFail]), defects such as recovered panics ([NewDie]) and
// interruptions ([NewInterrupt]), and combines them with [Sequential] and
// [Parallel]. Cause implements error; [errors.Is] sees through
// combinations and matches [ErrInterrupted] for any interruption. Use
// [Failures], [Defects] and [Interruptors] to inspect a cause.
//
// # Scopes and Fibers
//
// A [Scope] owns fibers and finalizers. [Fork] starts a [Task] in a new
// [Fiber] owned by a scope; the fiber can be awaited, joined and
// interrupted. Closing the scope interrupts every fiber it owns, runs its
// finalizers according to its [ExecutionStrategy] and waits for the
// fibers to finish. Child scopes from [Scope.Child] close with their
// parent.
//
// [FiberHandle] keeps at most one running fiber and applies a [Strategy]
// when a new task is offered while it is busy. [FiberSet] keeps any
// number of fibers and supports joining or interrupting all of them.
// [Semaphore] bounds concurrency and, with a single permit, serializes
// writers via [WithPermit].
//
// # Operators
//
// Transformations such as [Map], [Filter], [Take], [Scan] and
// [SkipRepeats] return new producers. [FlatMap], [FlatMapConcurrently],
// [SwitchMap], [ExhaustMap] and [ExhaustLatestMap] flatten a producer of
// producers with different concurrency strategies. [RaceAll] follows
// whichever producer emits first.
//
// Terminal functions ([Observe], [Collect], [Reduce], [First], [Drain])
// run a producer to completion and return its failure as an error.
//
// # Multicasting
//
// A [Subject] is both a [Sink] and an [Fx]: values pushed into it reach
// every current subscriber. [NewHoldSubject] and [NewReplaySubject]
// replay recent values to late subscribers without gaps. [Share],
// [Multicast], [Hold] and [Replay] run one upstream for any number of
// subscribers, starting it with the first and interrupting it when the
// last one leaves.
//
// # Observability
//
// Scopes log through [log/slog]; see [WithLogger]. [WithOnEvent]
// receives a [FiberEvent] for every fiber start and exit.
//
// The [github.com/baxromumarov/fx/ref] subpackage builds an observable
// mutable cell and derived values on top of this package.
package fx
