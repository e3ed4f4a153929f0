// Package stores persists bootstrap history.
//
// SQLiteStore keeps every session (execution), its iterations (runs) with the
// task outcomes, the resource ledger snapshot, the event timeline and the
// pattern gaps filed when no pattern matched. File databases run in WAL mode;
// ":memory:" is limited to one connection so every query sees the same data.
//
// The store plugs into a bootstrap.Loop as its RunRecorder and GapTracker, and
// into the executor as an engine.EventPublisher:
//
//	store, _ := stores.NewSQLiteStore(stores.Config{Path: "pforge.db"})
//	_ = store.Init(ctx)
//	_ = store.Migrate(ctx)
//
//	loop := bootstrap.New(registry, det, runner,
//		bootstrap.WithRunRecorder(store),
//		bootstrap.WithGapTracker(store),
//		bootstrap.WithEventPublisher(store))
//
// Schema changes ship as golang-migrate files embedded from migrations/.
package stores
