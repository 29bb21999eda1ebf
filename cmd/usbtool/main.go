//go:build linux

// Command usbtool drives the USB bus enumerator against a real Linux host
// controller, logging enumeration failures; successful arrivals and
// departures are not logged. It exists to exercise
// usb/hcc/linuxhost outside the hermetic test suite, which otherwise only
// drives usb/hcc/simhost.
package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/opalusb/corefw/platform/simplatform"
	"github.com/opalusb/corefw/usb"
	"github.com/opalusb/corefw/usb/hcc/linuxhost"
)

func main() {
	log := logrus.StandardLogger()

	app := cli.NewApp()
	app.Name = "usbtool"
	app.Usage = "enumerate a USB bus and log enumeration failures"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "bus", Value: 0, Usage: "Linux USB bus number under /dev/bus/usb"},
		cli.DurationFlag{Name: "duration", Value: 10 * time.Second, Usage: "how long to poll before exiting"},
	}
	app.Action = func(c *cli.Context) error {
		return run(log, c.Int("bus"), c.Duration("duration"))
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("usbtool failed")
	}
}

func run(log *logrus.Logger, busNumber int, duration time.Duration) error {
	host, err := linuxhost.New(busNumber)
	if err != nil {
		return err
	}
	defer host.Close()

	svc, _ := simplatform.New()
	bus, err := usb.NewBus(host, svc, log)
	if err != nil {
		return err
	}

	enumerator := usb.NewEnumerator(bus)
	enumerator.Start()
	defer enumerator.Stop()

	log.WithField("bus", busNumber).Info("usbtool: polling root ports")
	time.Sleep(duration)
	return nil
}
