// Package scrape defines the core types shared across the ingestion service:
// scrape jobs and their status state machine, artifacts, page records produced
// by crawl engines, plans, and the interfaces each subsystem is wired through.
package scrape
