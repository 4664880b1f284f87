// quotactl operates the rate limit buckets of a quota deployment.
//
//	quotactl check  -i login -u alice
//	quotactl update -i login --limit 10 --interval 1h
//	quotactl inspect -i login -u alice
//	quotactl keys -p login
//	quotactl watch --duration 1m
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
