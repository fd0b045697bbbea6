package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

func main() {
	// Parse command line flags
	valuePtr := flag.Float64("value", 90.0, "Value to write")
	addrPtr := flag.String("redis", "localhost:6379", "Redis address")
	servicePtr := flag.String("service", "comsrv", "Service type")
	channelPtr := flag.Int64("channel", 1001, "Channel ID")
	typePtr := flag.String("type", "T", "Data type")
	pointPtr := flag.Int64("point", 1, "Point ID")
	flag.Parse()

	key := fmt.Sprintf("%s:%d:%s", *servicePtr, *channelPtr, *typePtr)
	field := strconv.FormatInt(*pointPtr, 10)
	fmt.Printf("Spike Generator - Writing %v to %s %s\n", *valuePtr, key, field)

	rdb := redis.NewClient(&redis.Options{Addr: *addrPtr, DialTimeout: 5 * time.Second})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Retry a few times
	var err error
	for i := 0; i < 5; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			break
		}
		fmt.Printf("Failed to connect (attempt %d/5): %v\n", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}

	if err := rdb.HSet(ctx, key, field, strconv.FormatFloat(*valuePtr, 'f', -1, 64)).Err(); err != nil {
		log.Fatalf("Failed to write value: %v", err)
	}
	fmt.Println("Successfully wrote value")
	fmt.Println("\nThe next check tick picks it up: curl http://localhost:6002/alarmApi/alerts")
}
