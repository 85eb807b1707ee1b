package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>RelayArchive</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
    }
    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    form { display: grid; grid-template-columns: 1fr 160px auto auto; gap: 10px; margin-top: 12px; }
    input { border-radius: 10px; border: 1px solid var(--line); padding: 10px 12px; font-size: 0.92rem; }
    button { border: 0; border-radius: 10px; padding: 10px 12px; font-weight: 700; cursor: pointer; }
    .btn-primary { background: var(--accent); color: #fff; }
    .btn-secondary { background: #efe6d7; color: var(--ink); border: 1px solid var(--line); }
    .grid { display: grid; gap: 12px; grid-template-columns: 1.4fr 1fr; }
    .panel h2 { margin: 0 0 10px; font-size: 0.92rem; letter-spacing: 0.06em; text-transform: uppercase; }
    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 8px; max-height: 480px; overflow: auto; }
    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 9px 10px;
      background: #fffcf7;
      font-size: 0.85rem;
      word-break: break-word;
    }
    .feed li.pending { border-left-color: var(--accent-2); }
    .feed li.failed, .feed li.crawl_failed, .feed li.selection_required { border-left-color: var(--danger); }
    .meta { color: var(--muted); font-size: 0.76rem; margin-top: 4px; }
  </style>
</head>
<body>
  <div class="shell">
    <section class="bar">
      <h1>RelayArchive</h1>
      <div class="sub">Queued archive jobs and recent outcomes on this device.</div>
      <form id="enqueue">
        <input id="url" placeholder="https://..." required />
        <input id="platform" placeholder="platform (optional)" />
        <button class="btn-primary" type="submit">Archive</button>
        <button class="btn-secondary" type="button" id="reconcile">Reconcile now</button>
      </form>
    </section>
    <section class="grid">
      <div class="panel"><h2>Jobs</h2><ul class="feed" id="jobs"></ul></div>
      <div class="panel"><h2>Notices</h2><ul class="feed" id="notices"></ul></div>
    </section>
  </div>
  <script>
    (function () {
      function item(text, meta, cls) {
        var li = document.createElement("li");
        li.className = cls || "";
        li.textContent = text;
        var m = document.createElement("div");
        m.className = "meta";
        m.textContent = meta;
        li.appendChild(m);
        return li;
      }
      async function refresh() {
        var jobs = await (await fetch("/v1/jobs")).json();
        var list = document.getElementById("jobs");
        list.innerHTML = "";
        (jobs.jobs || []).forEach(function (j) {
          var meta = j.status + " · retries " + (j.retryCount || 0);
          if (j.metadata && j.metadata.lastError) { meta += " · " + j.metadata.lastError; }
          list.appendChild(item(j.url, meta, j.status));
        });
        var notices = await (await fetch("/v1/notices")).json();
        var feed = document.getElementById("notices");
        feed.innerHTML = "";
        (notices.notices || []).slice().reverse().forEach(function (n) {
          feed.appendChild(item(n.url || n.jobId || "archive", n.kind + " · " + n.message, n.kind));
        });
      }
      document.getElementById("enqueue").addEventListener("submit", async function (ev) {
        ev.preventDefault();
        await fetch("/v1/jobs", {
          method: "POST",
          headers: { "Content-Type": "application/json" },
          body: JSON.stringify({
            url: document.getElementById("url").value,
            platform: document.getElementById("platform").value
          })
        });
        document.getElementById("url").value = "";
        refresh();
      });
      document.getElementById("reconcile").addEventListener("click", async function () {
        await fetch("/v1/reconcile", { method: "POST" });
        refresh();
      });
      refresh();
      setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
