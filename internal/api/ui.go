package api

import (
	"net/http"
)

const operatorUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sentient Sequencer - Run Control</title>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body { font-family: monospace; background: #1a1a2e; color: #eee; height: 100vh; display: flex; flex-direction: column; }
        header { background: #16213e; padding: 12px 20px; border-bottom: 1px solid #0f3460; display: flex; justify-content: space-between; align-items: center; }
        header h1 { font-size: 16px; font-weight: normal; }
        .badge { padding: 4px 10px; border-radius: 4px; font-size: 12px; margin-left: 8px; }
        .connected, .Inactive, .FinishedRun { background: #1b4332; color: #95d5b2; }
        .disconnected, .error { background: #7f1d1d; color: #fca5a5; }
        .connecting, .StartingRun, .Running, .ClosableOnly { background: #78350f; color: #fcd34d; }
        #controls { padding: 12px 20px; background: #16213e; border-bottom: 1px solid #0f3460; display: flex; gap: 8px; flex-wrap: wrap; align-items: center; }
        select, button { font-family: monospace; font-size: 13px; padding: 6px 10px; background: #0f3460; color: #eee; border: 1px solid #1f4b8a; border-radius: 4px; }
        button:disabled { opacity: 0.5; }
        #confirm { display: none; padding: 12px 20px; background: #78350f; }
        #result { padding: 6px 20px; font-size: 12px; min-height: 24px; }
        #result.ok { color: #95d5b2; }
        #result.fail { color: #fca5a5; }
        main { flex: 1; overflow-y: auto; padding: 10px 20px; }
        .event { padding: 3px 0; border-bottom: 1px solid #222; font-size: 12px; white-space: pre-wrap; }
        .event .ts { color: #888; }
        .event .name { color: #7fb3ff; }
        .event.warn, .event.warning { color: #fcd34d; }
        .event.error { color: #fca5a5; }
    </style>
</head>
<body>
    <header>
        <h1>Sentient Sequencer</h1>
        <div>
            <span id="run" class="badge Inactive">Inactive</span>
            <span id="bg" class="badge Inactive">no background</span>
            <span id="ws" class="badge connecting">connecting</span>
        </div>
    </header>
    <div id="controls">
        <select id="ordering">
            <option value="single_zero">Single (0)</option>
            <option value="single_current">Single (current)</option>
            <option value="full_list" selected>Full list</option>
            <option value="continue_list">Continue list</option>
            <option value="random_order">Random order</option>
        </select>
        <label><input type="checkbox" id="repeat"> repeat</label>
        <label><input type="checkbox" id="calibration"> calibration</label>
        <label><input type="checkbox" id="background"> background</label>
        <button onclick="startRun()">Start</button>
        <button onclick="post('/api/v1/runs/abort-after-current')">Stop after current</button>
        <button onclick="post('/api/v1/runs/abort')">Abort</button>
        <button onclick="post('/api/v1/runs/abort?target=background')">Abort background</button>
        <button onclick="post('/api/v1/runs/clear-error')">Clear error</button>
    </div>
    <div id="confirm">
        <span id="question"></span>
        <button onclick="answer(true)">Yes</button>
        <button onclick="answer(false)">No</button>
    </div>
    <div id="result"></div>
    <main id="events"></main>
    <script>
        const eventsEl = document.getElementById('events');
        const resultEl = document.getElementById('result');
        let pendingQuestion = null;

        function showResult(ok, msg) {
            resultEl.className = ok ? 'ok' : 'fail';
            resultEl.textContent = msg;
        }

        function post(url, body) {
            return fetch(url, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(body || {})
            })
            .then(function(res) { return res.json(); })
            .then(function(data) {
                showResult(data.ok, data.ok ? 'ok ' + (data.run_id || '') : (data.error || 'failed'));
                refresh();
            })
            .catch(function() { showResult(false, 'Network error'); });
        }

        function startRun() {
            post('/api/v1/runs', {
                ordering: document.getElementById('ordering').value,
                repeat: document.getElementById('repeat').checked,
                calibration: document.getElementById('calibration').checked,
                background: document.getElementById('background').checked
            });
        }

        function answer(yes) {
            if (!pendingQuestion) return;
            post('/api/v1/runs/confirm', { id: pendingQuestion.id, answer: yes });
        }

        function refresh() {
            fetch('/api/v1/runs/status')
            .then(function(res) { return res.json(); })
            .then(function(s) {
                const run = document.getElementById('run');
                run.textContent = s.foreground.status + (s.foreground.error_detected ? ' (error)' : '');
                run.className = 'badge ' + (s.foreground.error_detected ? 'error' : s.foreground.status);
                const bg = document.getElementById('bg');
                bg.textContent = s.background_active ? 'background ' + (s.background ? s.background.status : 'active') : 'no background';
                bg.className = 'badge ' + (s.background_active ? 'Running' : 'Inactive');
                pendingQuestion = s.confirm_pending || null;
                document.getElementById('confirm').style.display = pendingQuestion ? 'block' : 'none';
                document.getElementById('question').textContent = pendingQuestion ? pendingQuestion.question + ' ' : '';
            })
            .catch(function() {});
        }

        function addEvent(e) {
            const div = document.createElement('div');
            div.className = 'event ' + (e.level || '');
            const ts = document.createElement('span');
            ts.className = 'ts';
            ts.textContent = (e.ts || '').substring(11, 23) + ' ';
            const name = document.createElement('span');
            name.className = 'name';
            name.textContent = e.event + ' ';
            div.appendChild(ts);
            div.appendChild(name);
            div.appendChild(document.createTextNode((e.msg || '') + (e.fields ? ' ' + JSON.stringify(e.fields) : '')));
            eventsEl.insertBefore(div, eventsEl.firstChild);
            while (eventsEl.childNodes.length > 500) eventsEl.removeChild(eventsEl.lastChild);
            if (e.event === 'run.status' || e.event === 'run.confirm' || e.event.indexOf('background.') === 0) refresh();
        }

        function connect() {
            const ws = document.getElementById('ws');
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const sock = new WebSocket(proto + location.host + '/ws');
            ws.className = 'badge connecting';
            ws.textContent = 'connecting';
            sock.onopen = function() { ws.className = 'badge connected'; ws.textContent = 'live'; };
            sock.onmessage = function(m) { try { addEvent(JSON.parse(m.data)); } catch (err) {} };
            sock.onclose = function() {
                ws.className = 'badge disconnected';
                ws.textContent = 'disconnected';
                setTimeout(connect, 2000);
            };
        }

        refresh();
        setInterval(refresh, 2000);
        connect();
    </script>
</body>
</html>`

func (s *Server) ui(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(operatorUIHTML))
}
