// Command estimator-stub is a pose estimator process speaking the poselive
// subprocess protocol on stdin/stdout. It answers every frame with a fixed
// pose, optionally after a simulated inference delay.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/poselive/internal/estimator"
	"github.com/e7canasta/poselive/internal/types"
)

type delayed struct {
	estimator.Estimator
	delay time.Duration
}

func (d delayed) Pose(frame types.Frame) (types.Pose, error) {
	time.Sleep(d.delay)
	return d.Estimator.Pose(frame)
}

func main() {
	bodyparts := flag.String("bodyparts", "snout,leftear,rightear", "Comma-separated body part names")
	keypoints := flag.String("pose", "10,10,0.9;20,20,0.8;30,30,0.95", "Keypoints as x,y,likelihood separated by ';'")
	delay := flag.Duration("delay", 0, "Simulated inference time per frame")
	model := flag.String("model", "", "Model path (logged, not loaded)")
	flag.Parse()

	pose, err := parsePose(*keypoints)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(2)
	}

	var names []string
	if *bodyparts != "" {
		names = strings.Split(*bodyparts, ",")
	}
	fixed, err := estimator.NewFixed(names, pose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(2)
	}

	fmt.Fprintf(os.Stderr, "[INFO] estimator-stub ready: %d keypoints, delay %v, model %q\n", len(pose), *delay, *model)

	var est estimator.Estimator = fixed
	if *delay > 0 {
		est = delayed{Estimator: fixed, delay: *delay}
	}
	if err := estimator.Serve(os.Stdin, os.Stdout, est); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}

func parsePose(s string) (types.Pose, error) {
	var pose types.Pose
	for i, kp := range strings.Split(s, ";") {
		fields := strings.Split(kp, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("keypoint %d: want x,y,likelihood, got %q", i, kp)
		}
		var v [3]float64
		for j, f := range fields {
			x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				return nil, fmt.Errorf("keypoint %d: %w", i, err)
			}
			v[j] = x
		}
		pose = append(pose, types.Keypoint{X: v[0], Y: v[1], Likelihood: v[2]})
	}
	return pose, nil
}
