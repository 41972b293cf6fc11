package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/milkchain/benchmark/client"
	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/sensor"
)

type createLotsResponse struct {
	LotNumbers []uint64 `json:"lot_numbers"`
}

type stepResponse struct {
	Verdict   *bool `json:"verdict"`
	Completed bool  `json:"completed"`
}

type RequestResult struct {
	Name        string
	Method      string
	Endpoint    string
	Latency     time.Duration
	BlockHeight int64
	Outcome     string
}

type runner struct {
	client     *client.HTTPClient
	admin      *client.RequestOptions
	supervisor *client.RequestOptions
	operator   *client.RequestOptions
	sim        *sensor.Simulator
	rng        *rand.Rand
	template   *ledger.Template
	attempts   int
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:5000", "Node HTTP address")
	iterations := flag.Int("n", 1, "Number of lots to drive through their lifecycle")
	variantName := flag.String("variant", "whole-milk", "Product variant of the lots")
	admin := flag.String("admin", "0x00000000000000000000000000000000000000a1", "Genesis admin address")
	supervisor := flag.String("supervisor", "0x00000000000000000000000000000000000000b1", "Supervisor address granted by the run")
	operator := flag.String("operator", "0x00000000000000000000000000000000000000c1", "Sensor operator address granted by the run")
	seed := flag.Uint64("seed", 1, "Seed of the simulated sensor readings")
	attempts := flag.Int("attempts", 3, "Sensor submissions per step before the step is failed")
	flag.Parse()

	variant, err := ledger.ParseVariant(*variantName)
	if err != nil {
		fmt.Printf("Invalid variant: %v\n", err)
		return
	}
	template, err := ledger.TemplateFor(variant)
	if err != nil {
		fmt.Printf("Loading template: %v\n", err)
		return
	}

	filename := fmt.Sprintf("benchmark_n_%d_%s.csv", *iterations, variant)
	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating CSV file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"Iteration", "Step", "Method", "Endpoint", "Latency_ms", "BlockHeight", "Outcome"}
	if err := writer.Write(header); err != nil {
		fmt.Printf("Error writing CSV header: %v\n", err)
		return
	}

	headers := map[string]string{
		"Accept":        "application/json",
		"Cache-Control": "no-cache",
		"Connection":    "keep-alive",
	}
	r := &runner{
		client:     client.NewHTTPClient(*baseURL),
		admin:      &client.RequestOptions{Headers: headers, Timeout: 10 * time.Second, Caller: *admin},
		supervisor: &client.RequestOptions{Headers: headers, Timeout: 10 * time.Second, Caller: *supervisor},
		operator:   &client.RequestOptions{Headers: headers, Timeout: 10 * time.Second, Caller: *operator},
		sim:        sensor.NewSimulator(*seed),
		rng:        rand.New(rand.NewPCG(*seed, *seed+1)),
		template:   template,
		attempts:   *attempts,
	}

	ctx := context.Background()
	if err := r.grantRoles(ctx, *supervisor, *operator); err != nil {
		fmt.Printf("Granting roles: %v\n", err)
		return
	}

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\n[Iteration %d/%d]\n", i+1, *iterations)
		results := r.runLifecycle(ctx, *supervisor)

		for _, result := range results {
			record := []string{
				strconv.Itoa(i + 1),
				result.Name,
				result.Method,
				result.Endpoint,
				strconv.FormatInt(result.Latency.Milliseconds(), 10),
				strconv.FormatInt(result.BlockHeight, 10),
				result.Outcome,
			}
			if err := writer.Write(record); err != nil {
				fmt.Printf("Error writing record to CSV: %v\n", err)
			}
		}
	}

	fmt.Printf("\nBenchmark complete. Results saved to %s\n", filename)
}

// grantRoles assigns the run's supervisor and operator. An address already
// holding its role is left as it is.
func (r *runner) grantRoles(ctx context.Context, supervisor, operator string) error {
	for address, role := range map[string]string{supervisor: "supervisor", operator: "operator"} {
		resp, err := r.client.GET(ctx, "/roles/"+address, r.admin)
		if err != nil {
			return err
		}
		var current struct {
			Role string `json:"role"`
		}
		if _, err := client.Decode(resp, &current); err == nil && current.Role == role {
			continue
		}

		resp, err = r.client.POST(ctx, "/roles", map[string]string{"address": address, "role": role}, r.admin)
		if err != nil {
			return err
		}
		if _, err := client.Decode(resp, nil); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", role, address, err)
		}
		fmt.Printf("Granted %s to %s\n", role, address)
	}
	return nil
}

func (r *runner) record(results []RequestResult, name, method, endpoint string, resp *client.Response, env *client.Envelope, outcome string) []RequestResult {
	result := RequestResult{
		Name:     name,
		Method:   method,
		Endpoint: endpoint,
		Latency:  resp.Latency,
		Outcome:  outcome,
	}
	if env != nil {
		result.BlockHeight = env.Meta.BlockHeight
	}
	fmt.Printf("%s: %s [Delay: %v, Height: %d]\n", name, outcome, result.Latency, result.BlockHeight)
	return append(results, result)
}

// runLifecycle creates one lot and pushes it through every step of the
// template. Sensor steps get simulated readings and are failed once the
// attempts run out.
func (r *runner) runLifecycle(ctx context.Context, supervisor string) []RequestResult {
	var results []RequestResult
	totalStart := time.Now()

	// 1. Create Lot
	resp, err := r.client.POST(ctx, "/lots", map[string]interface{}{"count": 1, "variant": r.template.Variant()}, r.admin)
	if err != nil {
		fmt.Println(err)
		return results
	}
	var created createLotsResponse
	env, err := client.Decode(resp, &created)
	if err != nil || len(created.LotNumbers) != 1 {
		fmt.Printf("Creating lot failed: %v\n", err)
		return results
	}
	lot := created.LotNumbers[0]
	results = r.record(results, "Create Lot", http.MethodPost, "/lots", resp, env, fmt.Sprintf("lot %d", lot))

	// 2. Assign Supervisors
	var assignments []ledger.SupervisorAssignment
	for i, def := range r.template.Steps() {
		if !def.SensorGated {
			assignments = append(assignments, ledger.SupervisorAssignment{StepIndex: i, Supervisor: ledger.Address(supervisor)})
		}
	}
	endpoint := fmt.Sprintf("/lots/%d/supervisors/batch", lot)
	resp, err = r.client.POST(ctx, endpoint, map[string]interface{}{"assignments": assignments}, r.admin)
	if err != nil {
		fmt.Println(err)
		return results
	}
	env, err = client.Decode(resp, nil)
	if err != nil {
		fmt.Printf("Assigning supervisors failed: %v\n", err)
		return results
	}
	results = r.record(results, "Assign Supervisors", http.MethodPost, "/lots/:lot/supervisors/batch", resp, env, fmt.Sprintf("%d steps", len(assignments)))

	// 3. Steps
	var farm string
	for i, def := range r.template.Steps() {
		location := def.Locations[r.rng.IntN(len(def.Locations))]
		if i == 0 {
			farm = location
		}

		if !def.SensorGated {
			endpoint = fmt.Sprintf("/lots/%d/complete", lot)
			resp, err = r.client.POST(ctx, endpoint, map[string]interface{}{"step_index": i, "location": location}, r.supervisor)
			if err != nil {
				fmt.Println(err)
				return results
			}
			env, err = client.Decode(resp, nil)
			if err != nil {
				fmt.Printf("Completing %s failed: %v\n", def.Name, err)
				return results
			}
			results = r.record(results, def.Name, http.MethodPost, "/lots/:lot/complete", resp, env, "completed")
			continue
		}

		completed := false
		for attempt := 1; attempt <= r.attempts && !completed; attempt++ {
			readings, err := r.sim.Readings(def.Sensor)
			if err != nil {
				fmt.Println(err)
				return results
			}
			endpoint = fmt.Sprintf("/lots/%d/temperature", lot)
			step, ok := r.submit(ctx, &results, def.Name, endpoint, "/lots/:lot/temperature", map[string]interface{}{"step_index": i, "readings": readings}, attempt)
			if !ok {
				return results
			}
			completed = step.Completed

			// a tracked trip also needs its route confirmed
			if def.LocationTracked && !completed {
				destination := r.destination(i, farm)
				route, err := r.sim.Route(destination, 20)
				if err != nil {
					fmt.Println(err)
					return results
				}
				endpoint = fmt.Sprintf("/lots/%d/location", lot)
				step, ok = r.submit(ctx, &results, def.Name, endpoint, "/lots/:lot/location", map[string]interface{}{"step_index": i, "location": destination, "route": route}, attempt)
				if !ok {
					return results
				}
				completed = step.Completed
			}
		}

		if !completed {
			endpoint = fmt.Sprintf("/lots/%d/fail", lot)
			resp, err = r.client.POST(ctx, endpoint, map[string]interface{}{"step_index": i}, r.operator)
			if err != nil {
				fmt.Println(err)
				return results
			}
			env, err = client.Decode(resp, nil)
			if err != nil {
				fmt.Printf("Failing %s failed: %v\n", def.Name, err)
				return results
			}
			results = r.record(results, def.Name, http.MethodPost, "/lots/:lot/fail", resp, env, "failed")
			break
		}
	}

	totalElapsed := time.Since(totalStart)
	fmt.Printf("\nTotal lifecycle execution time: %v\n", totalElapsed)

	results = append(results, RequestResult{
		Name:     "Complete Lifecycle",
		Method:   "WORKFLOW",
		Endpoint: "complete-lifecycle",
		Latency:  totalElapsed,
		Outcome:  "done",
	})
	return results
}

// submit posts one sensor verdict and records its outcome.
func (r *runner) submit(ctx context.Context, results *[]RequestResult, name, endpoint, route string, body map[string]interface{}, attempt int) (stepResponse, bool) {
	var step stepResponse
	resp, err := r.client.POST(ctx, endpoint, body, r.operator)
	if err != nil {
		fmt.Println(err)
		return step, false
	}
	env, err := client.Decode(resp, &step)
	if err != nil {
		fmt.Printf("Submitting %s readings failed: %v\n", name, err)
		return step, false
	}
	outcome := "completed"
	switch {
	case step.Verdict != nil && !*step.Verdict:
		outcome = fmt.Sprintf("rejected (attempt %d)", attempt)
	case !step.Completed:
		outcome = "accepted"
	}
	*results = r.record(*results, name, http.MethodPost, route, resp, env, outcome)
	return step, true
}

// destination picks where a tracked trip has to arrive: the collecting farm
// for the first trip and a retailer of the final step afterwards.
func (r *runner) destination(index int, farm string) string {
	if index <= 1 && farm != "" {
		return farm
	}
	last, _ := r.template.Step(r.template.Len() - 1)
	return last.Locations[r.rng.IntN(len(last.Locations))]
}
