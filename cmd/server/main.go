package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/materi/collab/internal/room"
	"github.com/materi/collab/internal/ws"
)

func main() {
	host := os.Getenv("COLLAB_HOST")
	if host == "" {
		host = "0.0.0.0"
	}

	port := os.Getenv("COLLAB_PORT")
	if port == "" {
		port = "4444"
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		log.Fatalf("Invalid COLLAB_PORT %q", port)
	}

	registry := room.NewRegistry(room.DefaultGracePeriod)
	hub := ws.NewHub(registry)

	router := mux.NewRouter()
	router.HandleFunc("/{room}", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, mux.Vars(r)["room"], w, r)
	})
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, "", w, r)
	})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		os.Exit(0)
	}()

	addr := net.JoinHostPort(host, port)
	log.Printf("🟢 Collab server starting on ws://%s", addr)
	log.Println("Rooms are addressed by path: ws://host:port/{roomId}")

	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}
