// Command simulate drives a running quiz server end to end: it registers a
// quiz, joins a crowd of simulated attendees over the websocket, walks the
// owner through every question while the attendees vote, and closes the
// session. Useful for load checks and for eyeballing broadcast behavior.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/kuntalrambabu/arsnova-live/client"
	"github.com/kuntalrambabu/arsnova-live/quiz/engine"
	ws "github.com/kuntalrambabu/arsnova-live/transport/websocket"
)

func main() {
	cmd := &cli.Command{
		Name:  "simulate",
		Usage: "simulate a full quiz session against a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8080",
				Usage: "base URL of the quiz server",
			},
			&cli.StringFlag{
				Name:  "quiz",
				Value: "",
				Usage: "hashtag to register (random when empty)",
			},
			&cli.IntFlag{
				Name:  "members",
				Value: 5,
				Usage: "number of simulated attendees",
			},
			&cli.IntFlag{
				Name:  "questions",
				Value: 3,
				Usage: "number of questions in the generated quiz",
			},
			&cli.DurationFlag{
				Name:  "think-time",
				Value: 500 * time.Millisecond,
				Usage: "pause between owner actions",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	server := cmd.String("server")
	hashtag := cmd.String("quiz")
	if hashtag == "" {
		hashtag = fmt.Sprintf("sim%04d", rand.Intn(10000))
	}
	members := cmd.Int("members")
	questions := cmd.Int("questions")
	thinkTime := cmd.Duration("think-time")

	ownerToken, err := registerQuiz(ctx, server, hashtag, int(questions))
	if err != nil {
		return fmt.Errorf("register quiz: %w", err)
	}
	log.Printf("Registered quiz %s", hashtag)

	// Join and attach every attendee before the quiz starts.
	attendees := make([]*client.Client, 0, members)
	for i := 0; i < int(members); i++ {
		c := client.New(server, hashtag, fmt.Sprintf("player-%d", i+1))
		if err := c.Join(ctx); err != nil {
			return fmt.Errorf("join %s: %w", fmt.Sprintf("player-%d", i+1), err)
		}
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		attendees = append(attendees, c)
	}
	defer func() {
		for _, c := range attendees {
			c.Close()
		}
	}()
	log.Printf("%d attendees in the lobby", len(attendees))

	// Attendees vote whenever a question arrives.
	var wg sync.WaitGroup
	for _, c := range attendees {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			answerLoop(c)
		}(c)
	}

	if err := ownerCommand(ctx, server, hashtag, "start", ownerToken); err != nil {
		return fmt.Errorf("start quiz: %w", err)
	}
	log.Printf("Quiz started")

	for i := 0; i < int(questions); i++ {
		time.Sleep(thinkTime)
		if err := ownerCommand(ctx, server, hashtag, "next", ownerToken); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	log.Printf("All questions played, results reached")

	time.Sleep(thinkTime)
	if err := ownerCommand(ctx, server, hashtag, "close", ownerToken); err != nil {
		return fmt.Errorf("close quiz: %w", err)
	}
	log.Printf("Quiz %s closed", hashtag)

	wg.Wait()
	return nil
}

// answerLoop votes on every question the server pushes until the session
// closes or the event stream ends.
func answerLoop(c *client.Client) {
	for env := range c.Events() {
		switch env.Step {
		case engine.StepNextQuestion:
			idx, ok := env.Payload["questionIndex"].(float64)
			if !ok {
				continue
			}
			answer := fmt.Sprintf("option-%d", rand.Intn(3))
			if err := c.SubmitResponse(int(idx), answer); err != nil {
				log.Printf("vote failed: %v", err)
			}
		case engine.StepQuizClosed:
			return
		}
	}
}

func registerQuiz(ctx context.Context, server, hashtag string, questions int) (string, error) {
	def := engine.QuizDefinition{Hashtag: hashtag}
	for i := 0; i < questions; i++ {
		def.Questions = append(def.Questions, engine.Question{
			ID:            fmt.Sprintf("q%d", i+1),
			Text:          fmt.Sprintf("Question %d", i+1),
			AnswerOptions: []string{"option-0", "option-1", "option-2"},
		})
	}

	body, err := json.Marshal(def)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, server+"/api/v1/lobby", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var env ws.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if env.Status != ws.StatusSuccess {
		reason, _ := env.Payload["reason"].(string)
		return "", fmt.Errorf("registration failed: %s", reason)
	}

	session, _ := env.Payload["session"].(map[string]interface{})
	token, _ := session["ownerToken"].(string)
	if token == "" {
		return "", fmt.Errorf("no owner token in response")
	}
	return token, nil
}

func ownerCommand(ctx context.Context, server, hashtag, action, ownerToken string) error {
	url := fmt.Sprintf("%s/api/v1/sessions/%s/%s", server, hashtag, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", ownerToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env ws.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.Status != ws.StatusSuccess {
		reason, _ := env.Payload["reason"].(string)
		return fmt.Errorf("%s failed: %s", action, reason)
	}
	return nil
}
