package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/rbeerala/llfs/internal/logdevice"
	"github.com/rbeerala/llfs/pagerecycler"
	"github.com/rbeerala/llfs/slotlog"
	"github.com/rbeerala/llfs/volume"
)

// Options is the command line surface for llfsinspect: a read-only tool
// that recovers a Volume's root WAL and (optionally) its PageRecycler's
// WAL and dumps their recovered state. It runs only the Recover() step of
// each subsystem's two-step construction: no live Volume or Recycler is
// constructed and no background task runs.
type Options struct {
	VolumeLog    string `long:"volume-log" description:"path to the volume's root WAL file" required:"true"`
	RecyclerLog  string `long:"recycler-log" description:"path to the page recycler's WAL file"`
	LogicalSize  uint64 `long:"logical-size" description:"ring buffer capacity to use if the log file does not yet exist" default:"67108864"`
}

func main() {
	var opts Options
	log := logrus.WithField("app", "llfsinspect").Logger

	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.WithError(err).Fatal("failed to parse command line args")
	}

	var recyclerSummary pagerecycler.RecoverySummary
	var recyclerDev slotlog.LogDevice
	if opts.RecyclerLog != "" {
		recyclerFactory := logdevice.NewFactory(opts.RecyclerLog, opts.LogicalSize)
		dev, err := recyclerFactory.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
			summary, resume, err := pagerecycler.Recover(r)
			recyclerSummary = summary
			return resume, err
		})
		if err != nil {
			log.WithError(err).Fatal("failed to recover recycler log")
		}
		recyclerDev = dev
		defer recyclerDev.Close()
	}

	volumeFactory := logdevice.NewFactory(opts.VolumeLog, opts.LogicalSize)
	var volumeSummary volume.RecoverySummary
	volumeDev, err := volumeFactory.OpenLogDevice(func(r slotlog.Reader) (slotlog.SlotOffset, error) {
		summary, resume, err := volume.Recover(r)
		volumeSummary = summary
		return resume, err
	})
	if err != nil {
		log.WithError(err).Fatal("failed to recover volume log")
	}
	defer volumeDev.Close()

	printVolumeSummary(volumeSummary, volumeDev)
	if opts.RecyclerLog != "" {
		printRecyclerSummary(recyclerSummary, recyclerDev)
	}
}

func printVolumeSummary(s volume.RecoverySummary, dev slotlog.LogDevice) {
	rng := dev.SlotRange(slotlog.Durable)
	fmt.Printf("volume log span: %s (capacity %d bytes)\n", rng, dev.Capacity())
	if s.Ids != nil {
		fmt.Printf("  main uuid:     %s\n", s.Ids.MainUUID)
		fmt.Printf("  recycler uuid: %s\n", s.Ids.RecyclerUUID)
		fmt.Printf("  trimmer uuid:  %s\n", s.Ids.TrimmerUUID)
	} else {
		fmt.Println("  no VolumeIds record found (fresh volume)")
	}
	fmt.Printf("  attached devices: %d\n", len(s.Attached))
	fmt.Printf("  pending jobs: %d\n", len(s.PendingOrder))
	for _, slot := range s.PendingOrder {
		job := s.PendingJobs[slot]
		fmt.Printf("    prepare_slot=%d job_bytes=%d\n", uint64(job.PrepareSlot), len(job.JobBytes))
	}
}

func printRecyclerSummary(s pagerecycler.RecoverySummary, dev slotlog.LogDevice) {
	rng := dev.SlotRange(slotlog.Durable)
	fmt.Printf("recycler log span: %s (capacity %d bytes)\n", rng, dev.Capacity())
	if s.LatestInfo != nil {
		fmt.Printf("  recycler uuid: %s (info at %s)\n", s.LatestInfo.UUID, s.LatestInfoRange)
	} else {
		fmt.Println("  no Info record found (fresh recycler)")
	}
	fmt.Printf("  pending pages: %d\n", len(s.Pending))
	if s.LatestBatch != nil {
		fmt.Printf("  in-flight batch: slot=%d depth=%d pages=%d\n",
			uint64(s.LatestBatch.SlotOffset), s.LatestBatch.Depth, len(s.LatestBatch.ToRecycle))
	} else {
		fmt.Println("  no in-flight batch")
	}
}
