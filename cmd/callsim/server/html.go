package server

// callPageHTML mirrors the call entry page the harness drives: the join form,
// a success alert, the local player and one wrapper per remote member.
// Remote video comes from an animated canvas since there is no media plane.
const callPageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Basic Video Call</title>
    <style>
        body { font-family: sans-serif; margin: 20px; background: #fafafa; }
        form input { display: block; margin: 6px 0; padding: 6px; width: 320px; }
        button { padding: 8px 18px; margin: 8px 8px 8px 0; }
        #leave { display: none; }
        [role="alert"] { min-height: 1.4em; margin: 10px 0; padding: 8px; }
        [role="alert"].success { background: #d4edda; color: #155724; }
        [role="alert"].error { background: #f8d7da; color: #721c24; }
        .video-group { display: flex; flex-wrap: wrap; gap: 8px; background: #000; padding: 8px; min-height: 250px; }
        .player { width: 320px; height: 240px; background: #222; }
        .player video { width: 100%; height: 100%; object-fit: cover; }
        #remote-playerlist { display: flex; flex-wrap: wrap; gap: 8px; }
    </style>
</head>
<body>
    <form id="join-form" onsubmit="return false">
        <input id="appid" type="text" placeholder="Enter the appid">
        <input id="token" type="text" placeholder="Enter the app token">
        <input id="channel" type="text" placeholder="Enter the channel name">
        <input id="uid" type="text" placeholder="Enter the user ID">
        <button id="join" type="button">Join</button>
        <button id="leave" type="button">Leave</button>
    </form>
    <div role="alert" id="alert"></div>
    <div class="video-group">
        <div id="local-player" class="player"></div>
        <div id="remote-playerlist"></div>
    </div>

<script>
const AGORA_CLASS = 'agora_video_player';
let localStream = null;
let socket = null;
let myUid = null;
const remotes = new Map();

function $(id) { return document.getElementById(id); }

function setAlert(text, kind) {
    const el = $('alert');
    el.textContent = text;
    el.className = kind || '';
}

function makeVideo(stream) {
    const v = document.createElement('video');
    v.className = AGORA_CLASS;
    v.autoplay = true;
    v.muted = true;
    v.playsInline = true;
    v.srcObject = stream;
    v.play().catch(() => {});
    return v;
}

function canvasStream(uid) {
    const c = document.createElement('canvas');
    c.width = 320;
    c.height = 240;
    const ctx = c.getContext('2d');
    let n = 0;
    const timer = setInterval(() => {
        n++;
        ctx.fillStyle = 'hsl(' + (Number(uid) % 360) + ', 60%, 40%)';
        ctx.fillRect(0, 0, c.width, c.height);
        ctx.fillStyle = '#fff';
        ctx.font = '20px sans-serif';
        ctx.fillText(uid + ' #' + n, 10, 30);
    }, 66);
    const stream = c.captureStream(15);
    return { stream, timer };
}

function addRemote(uid) {
    if (remotes.has(uid)) return;
    const wrapper = document.createElement('div');
    wrapper.id = 'player-wrapper-' + uid;
    wrapper.className = 'player';
    const src = canvasStream(uid);
    wrapper.appendChild(makeVideo(src.stream));
    $('remote-playerlist').appendChild(wrapper);
    remotes.set(uid, { wrapper, timer: src.timer, stream: src.stream });
}

function removeRemote(uid) {
    const r = remotes.get(uid);
    if (!r) return;
    clearInterval(r.timer);
    r.stream.getTracks().forEach(t => t.stop());
    r.wrapper.remove();
    remotes.delete(uid);
}

function applyRoster(uids) {
    const want = new Set(uids.filter(u => u !== myUid));
    for (const uid of Array.from(remotes.keys())) {
        if (!want.has(uid)) removeRemote(uid);
    }
    want.forEach(addRemote);
}

async function join() {
    setAlert('', '');
    const body = {
        appid: $('appid').value,
        token: $('token').value,
        channel: $('channel').value,
        uid: $('uid').value,
    };
    let resp;
    try {
        resp = await fetch('` + AckPath + `', {
            method: 'POST',
            headers: { 'Content-Type': 'application/json' },
            body: JSON.stringify(body),
        });
    } catch (e) {
        setAlert('Join failed: ' + e, 'error');
        return;
    }
    if (!resp.ok) {
        const err = await resp.json().catch(() => ({}));
        setAlert('Join failed: ' + (err.error || resp.status), 'error');
        return;
    }
    const ack = await resp.json();
    myUid = ack.uid;

    try {
        localStream = await navigator.mediaDevices.getUserMedia({ video: true, audio: false });
    } catch (e) {
        setAlert('Camera unavailable: ' + e, 'error');
        return;
    }
    const local = $('local-player');
    local.dataset.uid = myUid;
    local.appendChild(makeVideo(localStream));

    const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    socket = new WebSocket(proto + location.host + '/ws?sid=' + encodeURIComponent(ack.sid));
    socket.onmessage = (ev) => {
        const msg = JSON.parse(ev.data);
        if (msg.type === 'roster') applyRoster(msg.uids || []);
    };
    socket.onclose = () => applyRoster([]);

    $('join').style.display = 'none';
    $('leave').style.display = 'inline-block';
    setAlert('Joined room successfully.', 'success');
}

function leave() {
    if (socket) {
        socket.onclose = null;
        socket.close();
        socket = null;
    }
    applyRoster([]);
    if (localStream) {
        localStream.getTracks().forEach(t => t.stop());
        localStream = null;
    }
    const local = $('local-player');
    local.innerHTML = '';
    delete local.dataset.uid;
    myUid = null;
    $('leave').style.display = 'none';
    $('join').style.display = 'inline-block';
    setAlert('', '');
}

$('join').addEventListener('click', join);
$('leave').addEventListener('click', leave);
window.addEventListener('beforeunload', leave);
</script>
</body>
</html>
`
