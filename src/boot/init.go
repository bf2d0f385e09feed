package boot

import (
	"context"
	"log"
	"maguey/src/config"
	"maguey/src/db"
	"maguey/src/lib"
	"maguey/src/lib/mailer"
	"maguey/src/models"
	"maguey/src/notifier"
	"maguey/src/reservations"
	"os"

	"gorm.io/gorm"
)

const (
	CHANGES_TOPIC    = "reservation-changes"
	CHANGES_EXCHANGE = "maguey.changes"
	CHANNEL_PREFIX   = "maguey"
)

// LoadSecrets pulls AWS_SECRET_ID into the environment before anything
// reads its config.
func LoadSecrets(ctx context.Context) {
	secretID := os.Getenv("AWS_SECRET_ID")
	if secretID == "" || config.IsLocal() {
		return
	}
	n, err := lib.LoadSecrets(ctx, secretID)
	if err != nil {
		log.Printf("[secrets] Error loading %s: %s\n", secretID, err.Error())
		return
	}
	log.Printf("[secrets] loaded %d values\n", n)
}

func InitDb() *gorm.DB {
	d := db.GetDb()
	if err := d.AutoMigrate(models.Migrations()...); err != nil {
		log.Fatalf("error migration: %s", err.Error())
	}
	return d
}

// InitNotifier wires every configured downstream. The hub is always present
// and backs the change stream endpoint.
func InitNotifier(ctx context.Context) (*notifier.Notifier, *notifier.Hub) {
	n := notifier.New(config.NotifierBuffer())
	hub := notifier.NewHub()
	n.AddSink(hub)

	if rd := lib.GetRedisClient(); rd != nil {
		n.AddSink(notifier.NewRedisSink(rd, CHANNEL_PREFIX))
	}
	if config.IsLocal() {
		if p, err := lib.GetKafkaProducer(); err == nil {
			n.AddSink(notifier.NewKafkaSink(p, CHANGES_TOPIC))
			go lib.KafkaCreateTopics(CHANGES_TOPIC)
		}
	} else if os.Getenv("AWS_REGION") != "" {
		n.AddSink(notifier.NewSNSSink(lib.AWSGetSNSClient(), lib.GetTopicArn(CHANGES_TOPIC)))
	}
	if pc := lib.GetPusherClient(); pc != nil {
		n.AddSink(notifier.NewPusherSink(pc))
	}
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		b, err := lib.NewBroker(url, CHANGES_EXCHANGE, "")
		if err != nil {
			log.Printf("[amqp] changes exchange unavailable: %s\n", err.Error())
		} else {
			n.AddSink(notifier.NewAMQPSink(b))
		}
	}
	n.AddTriggerSink(notifier.NewQueueTriggerSink(mailer.Enqueue))

	// the caller's deferred Close drains the buffer after the server stops
	n.Start(context.WithoutCancel(ctx))
	return n, hub
}

// InitScheduler registers the periodic sweeps: stale holds are expired and
// reservations of ended events are completed.
func InitScheduler(engine *reservations.Engine) {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("An error has occurred. Check logs for info")
		return
	}
	interval := config.SweepInterval()
	lib.CreateCronJob("expire-holds", interval, func(ctx context.Context) {
		n, err := engine.ExpireStaleHolds(ctx)
		if err != nil {
			log.Printf("[sweep] Error expiring holds: %s\n", err.Error())
			return
		}
		if n > 0 {
			log.Printf("[sweep] expired %d reservations\n", n)
		}
	})
	lib.CreateCronJob("complete-events", interval, func(ctx context.Context) {
		n, err := engine.CompleteEndedEvents(ctx)
		if err != nil {
			log.Printf("[sweep] Error completing events: %s\n", err.Error())
			return
		}
		if n > 0 {
			log.Printf("[sweep] completed %d reservations\n", n)
		}
	})
	log.Println("Jobs in queue:", len(sched.Jobs()))
	sched.Start()
}

func StopScheduler() {
	sched, err := lib.GetScheduler()
	if err != nil {
		log.Println("Error retrieving Scheduler. Check logs for info")
		return
	}
	if err := sched.Shutdown(); err != nil {
		log.Println("An error has occurred while shutting stopping Scheduler. Check logs for info")
	}
}
