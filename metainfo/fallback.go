package metainfo

//Public trackers appended when a torrent names too few of its own.
//The consumer decides the threshold (Config.MinTrackers in the engine).
var fallbackTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.tracker.cl:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"http://tracker.opentrackr.org:1337/announce",
	"https://opentracker.i2p.rocks:443/announce",
}
