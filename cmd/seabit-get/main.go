package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gosuri/uilive"
	"github.com/spf13/viper"
	"github.com/stavrakis/seabit/torrent"
)

var (
	torrentFile = flag.String("torrentfile", "", "path of the .torrent `file` to download")
	magnet      = flag.String("magnet", "", "magnet URI to download")
	saveRoot    = flag.String("dir", "", "directory to store the data (overrides config)")
	seedFor     = flag.Duration("seed", time.Hour, "how long to keep seeding after completion")
)

//Config file (seabit.yaml in the working directory or the home directory)
//and SEABIT_* env vars supply
//defaults; flags win.
func loadConfig() (*torrent.Config, error) {
	v := viper.New()
	v.SetConfigName("seabit")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.SetEnvPrefix("seabit")
	v.AutomaticEnv()
	v.SetDefault("min_trackers", 5)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	cfg, err := torrent.DefaultConfig()
	if err != nil {
		return nil, err
	}
	if dir := v.GetString("save_root"); dir != "" {
		cfg.SaveRoot = dir
	}
	cfg.MinTrackers = v.GetInt("min_trackers")
	cfg.DisableTrackers = v.GetBool("disable_trackers")
	cfg.RejectIncoming = v.GetBool("reject_incoming")
	return cfg, nil
}

func main() {
	flag.Parse()
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	if *saveRoot != "" {
		cfg.SaveRoot = *saveRoot
	}
	cl, err := torrent.NewClient(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer cl.Close()
	var t *torrent.Torrent
	switch {
	case *torrentFile != "":
		t, err = cl.AddFromFile(*torrentFile)
	case *magnet != "":
		t, err = cl.AddFromMagnet(*magnet)
	default:
		log.Fatal("please provide -torrentfile or -magnet")
	}
	if err != nil {
		log.Fatal(err)
	}
	if err = cl.Start(t); err != nil {
		log.Fatal(err)
	}
	w := uilive.New()
	w.Start()
	defer w.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var seedC <-chan time.Time
	doneC := t.DoneC()
	for {
		select {
		case <-ticker.C:
			t.WriteStatus(w)
			w.Flush()
			if t.State() == torrent.Errored {
				log.Fatalf("download failed: %s", t.ErrorReason())
			}
		case <-doneC:
			fmt.Println("download complete, seeding")
			seedC = time.After(*seedFor)
			doneC = nil
		case <-seedC:
			return
		}
	}
}
