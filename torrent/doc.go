//Package torrent implements the core of a BitTorrent client: a Client that
//manages Torrents, announces them to trackers, exchanges pieces with remote
//peers over the wire protocol and assembles the verified content on disk.
//
//Typical use:
//
//	cl, _ := torrent.NewClient(nil)
//	t, _ := cl.AddFromFile("debian.torrent")
//	t.Start("/tmp/downloads")
//	<-t.DoneC()
//
//The package is headless; progress observation goes through Client.Events
//and Torrent.WriteStatus.
package torrent
