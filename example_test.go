//go:build linux

package epoll_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	epoll "github.com/joeycumines/go-epoll"
)

// Example_pipe waits for a pipe to become readable.
func Example_pipe() {
	p, err := epoll.New()
	if err != nil {
		panic(err)
	}
	defer p.Close()

	fr, fw, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	defer fr.Close()
	defer fw.Close()

	h, err := epoll.FromFile(fr)
	if err != nil {
		panic(err)
	}
	// deregisters, then closes the duplicated descriptor
	defer h.Close()

	tok, err := p.Register(h, epoll.Read())
	if err != nil {
		panic(err)
	}

	if _, err := fw.WriteString("hello"); err != nil {
		panic(err)
	}

	events, err := p.Wait(time.Second)
	if err != nil {
		panic(err)
	}
	for _, ev := range events {
		fmt.Println(ev.Token == tok, ev.Events)
	}

	//output:
	//true readable
}

// Example_oneShot shows that a one-shot registration is retired on delivery.
func Example_oneShot() {
	p, err := epoll.New()
	if err != nil {
		panic(err)
	}
	defer p.Close()

	w, err := epoll.NewWaker(p)
	if err != nil {
		panic(err)
	}
	defer w.Close()

	r, wr, err := epoll.Pipe()
	if err != nil {
		panic(err)
	}
	defer r.Close()
	if err := wr.Close(); err != nil {
		panic(err)
	}

	tok, err := p.Register(r, epoll.Read().WithOneShot())
	if err != nil {
		panic(err)
	}
	fmt.Println("live:", p.Len())

	events, err := p.Wait(epoll.Forever)
	if err != nil {
		panic(err)
	}
	fmt.Println(len(events), events[0].Token == tok, events[0].Hangup())
	fmt.Println("live:", p.Len())
	fmt.Println(errors.Is(p.Deregister(tok), epoll.ErrUnknownToken))

	//output:
	//live: 2
	//1 true true
	//live: 1
	//true
}

// ExamplePoller_WaitContext cancels a blocked wait.
func ExamplePoller_WaitContext() {
	p, err := epoll.New()
	if err != nil {
		panic(err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.WaitContext(ctx, epoll.Forever)
	fmt.Println(errors.Is(err, epoll.ErrCanceled), errors.Is(err, context.DeadlineExceeded))

	//output:
	//true true
}
