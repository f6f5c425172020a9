package server

import "net/http"

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>microreg</title>
    <style>
        body { font-family: sans-serif; background: #0f172a; color: #f8fafc; margin: 1rem; }
        .slots { display: flex; gap: 1rem; }
        .slot { background: #1e293b; padding: 0.5rem; border-radius: 6px; }
        .slot img { display: block; min-width: 256px; min-height: 256px; background: #000; cursor: ns-resize; }
        .error { color: #ef4444; }
        input, select, button { margin: 0.2rem; }
    </style>
</head>
<body>
    <h1>microreg</h1>
    <div class="slots" id="slots"></div>
    <div>
        <select id="transform"></select>
        <button id="mode">Toggle mode</button>
        <button id="run">Run registration</button>
        <span id="status"></span>
    </div>
    <script>
        const roles = ["fixed", "moving", "transformed"];
        const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
        const send = ev => ws.readyState === 1 ? ws.send(JSON.stringify(ev)) :
            fetch("/api/events", {method: "POST", body: JSON.stringify(ev)});

        function slotHTML(role) {
            const inputs = role === "transformed" ? "" :
                '<input placeholder="path.tif" data-control="file">' +
                '<input placeholder="spacing" size="4" data-control="spacing">';
            const sliders = ["red", "green", "blue"].map(c =>
                '<input type="range" min="0" max="100" value="0" data-control="' + c + '">').join("");
            return '<div class="slot" id="slot-' + role + '"><h3>' + role + '</h3>' + inputs + '<br>' +
                sliders + '<img id="img-' + role + '"><div class="error"></div></div>';
        }
        document.getElementById("slots").innerHTML = roles.map(slotHTML).join("");

        roles.forEach(role => {
            const el = document.getElementById("slot-" + role);
            el.querySelectorAll("input").forEach(input => {
                const control = input.dataset.control;
                const evt = input.type === "range" ? "input" : "change";
                input.addEventListener(evt, () => send(input.type === "range" ?
                    {control, role, value: Number(input.value)} : {control, role, text: input.value}));
            });
            const img = document.getElementById("img-" + role);
            let last = null;
            img.addEventListener("mousedown", e => { e.preventDefault(); last = [e.offsetX, e.offsetY]; send({control: "press", role}); });
            window.addEventListener("mouseup", () => { if (last) { last = null; send({control: "release", role}); } });
            img.addEventListener("mousemove", e => {
                if (!last) return;
                send({control: "move", role, x: e.offsetX, y: e.offsetY, lastX: last[0], lastY: last[1]});
                last = [e.offsetX, e.offsetY];
            });
            img.addEventListener("wheel", e => { e.preventDefault(); send({control: "wheel", role, value: -Math.sign(e.deltaY)}); });
        });

        const transforms = ["Translation", "Rigid", "Similarity", "QuickRigid", "DenseRigid", "BOLDRigid",
            "Affine", "AffineFast", "BOLDAffine", "TRSAA", "ElasticSyN", "SyN", "SyNRA", "SyNOnly", "SyNabp",
            "SyNBold", "SyNBoldAff", "SyNAggro", "TVMSQ"];
        const sel = document.getElementById("transform");
        sel.innerHTML = transforms.map(t => "<option>" + t + "</option>").join("");
        sel.addEventListener("change", () => send({control: "transform", text: sel.value}));
        document.getElementById("mode").onclick = () => send({control: "mode"});
        document.getElementById("run").onclick = () => send({control: "run"});

        function redraw(role) {
            document.getElementById("img-" + role).src = "/api/slots/" + role + "/image.png?t=" + Date.now();
        }
        async function refresh() {
            const snap = await (await fetch("/api/state")).json();
            document.getElementById("run").disabled = !snap.canRun;
            sel.value = snap.state.transform;
            document.getElementById("status").textContent = snap.mode +
                (snap.state.runningJob ? " | running " + snap.state.runningJob : "") +
                (snap.state.lastError ? " | " + snap.state.lastError : "");
            snap.slots.forEach(s => {
                document.querySelector("#slot-" + s.role + " .error").textContent = s.error || "";
            });
        }
        ws.onmessage = m => {
            const msg = JSON.parse(m.data);
            if (msg.type === "redraw") redraw(msg.data.role);
            refresh();
        };
        setInterval(refresh, 2000);
        refresh();
    </script>
</body>
</html>`
