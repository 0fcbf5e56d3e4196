package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zwavelink/zwave/pkg/config"
	"github.com/zwavelink/zwave/pkg/driver"
	"github.com/zwavelink/zwave/pkg/zwaveevent"
)

// Configuration flags
var (
	serialDevice = flag.String("serial", "/dev/ttyACM0", "Serial device path")
	baudRate     = flag.Int("baud", config.DefaultBaudRate, "Serial baud rate")
	ackTimeout   = flag.Duration("ack-timeout", config.DefaultAckTimeout, "ACK wait timeout per frame")
	maxRetries   = flag.Int("max-retries", config.DefaultMaxRetries, "Max retransmission attempts per frame")

	redisAddr    = flag.String("redis-addr", "", "Redis server address for event mirroring (empty disables it)")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	redisChannel = flag.String("redis-channel", "zwave:events", "Redis pub/sub channel for mirrored events")
	redisHashKey = flag.String("redis-hash", "zwave:state", "Redis hash key for mirrored state fields")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting Z-Wave Serial API driver")
	log.Printf("Serial device: %s", *serialDevice)
	log.Printf("Baud rate: %d", *baudRate)

	var sink zwaveevent.Sink
	var redisSink *zwaveevent.RedisSink
	if *redisAddr != "" {
		rs, err := zwaveevent.NewRedisSink(*redisAddr, *redisPass, *redisDB, *redisChannel, *redisHashKey)
		if err != nil {
			log.Printf("Failed to connect event mirror to Redis, continuing without it: %v", err)
		} else {
			redisSink = rs
			sink = rs.Channel()
			log.Printf("Mirroring events to Redis at %s (channel %q)", *redisAddr, *redisChannel)
		}
	}

	cfg := config.Config{
		Port:       *serialDevice,
		BaudRate:   *baudRate,
		AckTimeout: *ackTimeout,
		MaxRetries: *maxRetries,
		EventSink:  sink,
	}

	log.Printf("Running bring-up sequence...")
	drv, err := driver.New(cfg)
	if err != nil {
		log.Fatalf("Failed to bring up driver: %v", err)
	}
	log.Printf("Driver ready")

	identity := drv.Identity()
	log.Printf("Home id 0x%08x, own node %d, primary controller: %v, suc node %d",
		identity.HomeID, identity.OwnNodeID, identity.IsPrimaryController, identity.SucNodeID)

	// Give initial interviews a moment to start before reporting node count.
	time.Sleep(200 * time.Millisecond)
	log.Printf("%d nodes known from init data", len(drv.Nodes()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Printf("Shutting down...")
	if err := drv.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if redisSink != nil {
		if err := redisSink.Close(); err != nil {
			log.Printf("Error closing redis event mirror: %v", err)
		}
	}
}
