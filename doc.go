// Package casc loads game-asset archives and names their files.
//
// Archive entries are keyed by a 64-bit hash of their path and carry no
// names. A [Loader] opens a storage engine and rebuilds a navigable
// namespace over it, in fixed stages:
//
//   - resolve the storage configuration, local or from a remote catalog
//   - pick a remote build through a [BuildSelector]
//   - open the engine and select the active locale variants
//   - name files from a list file and from the FileDataComplete table,
//     keeping only names the engine confirms
//   - merge the install manifest into the folder tree
//
// Runs are cancellable between stages and report progress as
// [ProgressEvent] values.
//
// # Quick Start
//
// Load a local install:
//
//	l := casc.NewLoader(archive.NewEngine(), casc.Configs{Local: buildinfo.LoadLocal})
//	res, err := l.Load(ctx, casc.LoadRequest{LocalPath: "/games/wow", Product: "wow"})
//	if err != nil {
//	    return err
//	}
//	defer res.Close()
//	data, err := fs.ReadFile(res.FS(), "Interface/FrameXML/UIParent.lua")
//
// Load a remote build in the background:
//
//	client := catalog.New("ghcr.io/myorg")
//	l := casc.NewLoader(
//	    archive.NewEngine(archive.EngineWithRemote(client)),
//	    casc.Configs{Remote: client.LoadRemote},
//	    casc.WithSelector(casc.SelectBuildName("11.0.2.56421")),
//	)
//	run, err := l.Start(ctx, casc.LoadRequest{Online: true, Product: "wow", Region: "eu"})
//	for ev := range run.Progress() {
//	    fmt.Printf("%3d%% %s\n", ev.Percent, ev.Message)
//	}
//	res, err := run.Wait()
package casc
