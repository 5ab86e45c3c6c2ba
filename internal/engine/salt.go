package engine

// SchemaVersion is the engine's schema version. Any change to the
// Fingerprinter's default include-set, or to the shape of what a cache key
// absorbs, MUST bump this constant so existing caches are invalidated
// rather than silently misinterpreted.
const SchemaVersion = 1
