// Package modkit installs modpacks: it turns a manifest of source archives
// and directives into a verified directory of output files.
//
// Every output is described by a directive naming how its bytes are made
// and the xxhash64 ContentHash they must have:
//
//   - KindCopyFromArchive copies a file out of an archive, possibly nested
//     several containers deep.
//   - KindPatchFromArchive applies a bundled binary delta to such a file.
//   - KindInlineBytes writes bytes bundled with the manifest.
//   - KindTranscode converts a file through a [Transcoder].
//   - KindBuildContainer packs resolved files into a new archive.
//
// Directives may read the outputs of other directives. The engine orders
// them by those dependencies, runs independent directives concurrently,
// downloads source archives once, and decodes each nested container once
// per run through a shared content cache.
//
// # Quick Start
//
//	m, err := manifest.Open("pack.wabbajack")
//	if err != nil {
//	    return err
//	}
//	e, err := modkit.New("./install", downloader,
//	    modkit.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	summary, err := e.Run(ctx, m.Manifest)
//	if err != nil {
//	    return err
//	}
//	return summary.Err()
//
// # Resuming
//
// Committed outputs are recorded in an install journal. A later run over
// the same manifest verifies recorded outputs on disk and skips them; only
// missing, changed or failed outputs are produced again. A failure never
// aborts the run: directives that do not depend on it still complete, and
// the [Summary] lists what failed and why.
//
// # Outputs
//
// Outputs are written to a temporary file beside their destination,
// verified against their hash and size, then renamed into place. A
// destination path never holds partial or unverified content.
package modkit
