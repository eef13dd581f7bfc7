package config

// Sample returns a commented starter configuration for
// --create-sample-config.
func Sample() string {
	return `# personal-pipeline configuration
server:
  host: 127.0.0.1
  port: 8090
  transport: both            # stdio, http, or both
  max_concurrent_queries: 64
  request_timeout_ms: 30000

logging:
  level: info                # debug, info, warn, error

cache:
  ttl_seconds: 300
  max_keys: 1000
  memory_threshold_mb: 64
  compression: true
  warmup_queries:
    - disk space runbook
    - database timeout
  tier2:
    enabled: false
    address: localhost:6379
    password_env_var: REDIS_PASSWORD

search:
  semantic_weight: 0.6
  fuzzy_weight: 0.25
  metadata_weight: 0.15
  max_results: 10
  fallback_enabled: true

embeddings:
  provider: static           # ollama or static
  model: all-minilm
  dimensions: 384
  batch_size: 32
  ollama_host: http://localhost:11434

feedback:
  dir: ./data/feedback

sources:
  - type: file
    name: local-runbooks
    priority: 1
    file:
      paths:
        - ./docs/runbooks
      include_patterns: ["*.md", "*.json", "*.yaml"]
      max_file_size_mb: 10
      watch_changes: true

  - type: http
    name: status-pages
    priority: 2
    http:
      auth:
        type: bearer_token
        token_env_var: STATUS_API_TOKEN
      endpoints:
        - method: GET
          url: https://status.example.com/incidents
          content_type: json
          json_paths: [".incidents[]"]
          rate_limit_per_minute: 30

  - type: database
    name: ops-kb
    priority: 3
    database:
      engine: postgres
      dsn_env_var: OPS_KB_DSN
      max_connections: 10
      tables:
        - table: runbooks
          id_field: id
          title_field: title
          content_field: body
          category_field: kind
          updated_field: updated_at
`
}
