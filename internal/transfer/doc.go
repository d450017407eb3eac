// Package transfer holds the data model of a resumable transfer and the two
// pure building blocks around it: the chunk planner, which splits a file into
// disjoint byte ranges, and the merger, which concatenates completed chunk
// files into the final output.
//
// A TransferProgress is created when a transfer begins or is resumed. Its
// chunk byte counts are mutated only by the executor, its status only by the
// runner, and it is deleted once Merge succeeds or the item is removed.
package transfer
