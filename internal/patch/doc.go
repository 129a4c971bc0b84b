// Package patch reconstructs target payloads from a base payload and a
// BSDIFF40 binary patch.
//
// # Format
//
// A patch starts with a 32-byte header: the magic "BSDIFF40" followed by
// three 8-byte sign-magnitude little-endian integers (control block length,
// diff block length, new size). Three compressed blocks follow:
//
//   - control: triples (add, insert, seek)
//   - diff: bytes added bytewise to the base
//   - extra: bytes inserted verbatim
//
// Each block is compressed on its own. Apply detects bzip2 and gzip per
// block, so patches produced by bsdiff and by jbsdiff are both accepted.
// Diff always writes bzip2.
//
// Apply and Diff are pure functions over byte slices. ApplyArtifact adds the
// digest checks that tie a patch to its base and its expected output.
package patch
