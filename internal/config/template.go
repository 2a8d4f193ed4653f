package config

// ScaffoldTemplate is what `nexus init` writes for a new project.
const ScaffoldTemplate = `# nexus project configuration
#
# Hosts are named SSH targets. Tasks bind to a host, a group, or ":local".

hosts:
  web1:
    hostname: web1.example.com
    user: deploy
    # identity: ~/.ssh/id_ed25519
    groups: [web]

groups:
  web: [web1]

tasks:
  - name: build
    on: ":local"
    steps:
      - shell: make build
    artifacts:
      - name: app.tgz
        path: ./dist/app.tgz

  - name: deploy
    on: web
    deps: [build]
    strategy: rolling
    rolling_batch: 1
    steps:
      - upload:
          local: artifact:app.tgz
          remote: /opt/app/app.tgz
      - shell: tar -C /opt/app -xzf /opt/app/app.tgz
        sudo: true
      - resource:
          kind: service
          name: app
          state: running
          notify: restart-app
      - wait_for:
          type: http
          target: http://localhost:8080/health
          timeout: 30s
          interval: 1s

handlers:
  - name: restart-app
    on: web
    steps:
      - shell: systemctl restart app
        sudo: true
`
